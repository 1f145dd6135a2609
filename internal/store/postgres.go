package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tableflow/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reservations (
  id TEXT PRIMARY KEY,
  date_time TIMESTAMPTZ NOT NULL,
  duration_min INTEGER NOT NULL CHECK (duration_min > 0),
  party_size INTEGER NOT NULL CHECK (party_size > 0),
  customer_name TEXT NOT NULL,
  customer_email TEXT NOT NULL DEFAULT '',
  customer_phone TEXT NOT NULL DEFAULT '',
  table_ref TEXT,
  status TEXT NOT NULL CHECK (status IN ('pending','confirmed','seated','completed','cancelled','no_show')),
  status_history JSONB NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_status_time ON reservations(status, date_time);
CREATE INDEX IF NOT EXISTS idx_reservations_updated ON reservations(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_reservations_email ON reservations(lower(customer_email));
CREATE TABLE IF NOT EXISTS notification_outcomes (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  resource_id TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('sent','failed','pending')),
  message_id TEXT NOT NULL DEFAULT '',
  error_message TEXT,
  error_detail TEXT,
  timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_resource ON notification_outcomes(resource_id, type);
CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON notification_outcomes(timestamp);
`

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t },
	endExpr:     "(date_time + duration_min * interval '1 minute')",
}

type Postgres struct{ pool *pgxpool.Pool }

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable(err, "connect")
	}
	p := &Postgres{pool: pool}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return unavailable(p.pool.Ping(ctx), "ping")
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Create(ctx context.Context, r domain.Reservation) (string, error) {
	if r.ID == "" {
		r.ID = NewReservationID()
	}
	history, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return "", errors.Wrap(err, "encode history")
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO reservations (`+reservationColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.DateTime, r.Duration, r.PartySize, r.Customer.Name, r.Customer.Email, r.Customer.Phone,
		r.Table, string(r.Status), history, r.Notes, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return "", unavailable(err, "insert reservation")
	}
	return r.ID, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (domain.Reservation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id)
	r, err := scanPostgresReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, errors.Wrapf(ErrNotFound, "reservation %s", id)
	}
	if err != nil {
		return domain.Reservation{}, unavailable(err, "get reservation")
	}
	return r, nil
}

func (p *Postgres) Find(ctx context.Context, f Filter) ([]domain.Reservation, error) {
	where, args := f.where(postgresDialect)
	q := `SELECT ` + reservationColumns + ` FROM reservations` + where + ` ORDER BY date_time ASC`
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err, "find reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanPostgresReservation(rows)
		if err != nil {
			return nil, unavailable(err, "scan reservation")
		}
		out = append(out, r)
	}
	return out, unavailable(rows.Err(), "find reservations")
}

func (p *Postgres) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where(postgresDialect)
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reservations`+where, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "count reservations")
	}
	return n, nil
}

func (p *Postgres) Save(ctx context.Context, r domain.Reservation, expected domain.Status) error {
	history, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE reservations
SET date_time=$1, duration_min=$2, party_size=$3, customer_name=$4, customer_email=$5, customer_phone=$6,
    table_ref=$7, status=$8, status_history=$9, notes=$10, updated_at=$11
WHERE id=$12 AND status=$13`,
		r.DateTime, r.Duration, r.PartySize, r.Customer.Name, r.Customer.Email, r.Customer.Phone,
		r.Table, string(r.Status), history, r.Notes, r.UpdatedAt, r.ID, string(expected))
	if err != nil {
		return unavailable(err, "save reservation")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := p.Get(ctx, r.ID); err != nil {
		return err
	}
	return errors.Wrapf(ErrConflict, "reservation %s is no longer %s", r.ID, expected)
}

func (p *Postgres) DeleteReservations(ctx context.Context, f Filter) (int, error) {
	where, args := f.where(postgresDialect)
	if where == "" {
		return 0, errors.New("refusing to delete without a filter")
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM reservations`+where, args...)
	if err != nil {
		return 0, unavailable(err, "delete reservations")
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) AppendOutcome(ctx context.Context, o domain.NotificationOutcome) error {
	if o.ID == "" {
		o.ID = NewOutcomeID()
	}
	var msg, detail *string
	if o.Error != nil {
		msg, detail = &o.Error.Message, &o.Error.Detail
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO notification_outcomes (`+outcomeColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, string(o.Type), o.ResourceID, o.Recipient, string(o.Status), o.MessageID, msg, detail, o.Timestamp)
	return unavailable(err, "append outcome")
}

func (p *Postgres) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]domain.NotificationOutcome, error) {
	where, args := f.where(postgresDialect)
	q := `SELECT ` + outcomeColumns + ` FROM notification_outcomes` + where + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err, "list outcomes")
	}
	defer rows.Close()

	var out []domain.NotificationOutcome
	for rows.Next() {
		var (
			o           domain.NotificationOutcome
			typ, status string
			msg, detail *string
		)
		if err := rows.Scan(&o.ID, &typ, &o.ResourceID, &o.Recipient, &status, &o.MessageID, &msg, &detail, &o.Timestamp); err != nil {
			return nil, unavailable(err, "scan outcome")
		}
		o.Type = domain.NotificationType(typ)
		o.Status = domain.OutcomeStatus(status)
		if msg != nil {
			o.Error = &domain.OutcomeError{Message: *msg}
			if detail != nil {
				o.Error.Detail = *detail
			}
		}
		out = append(out, o)
	}
	return out, unavailable(rows.Err(), "list outcomes")
}

func (p *Postgres) PurgeOutcomes(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM notification_outcomes WHERE timestamp < $1`, before)
	if err != nil {
		return 0, unavailable(err, "purge outcomes")
	}
	return int(tag.RowsAffected()), nil
}

func scanPostgresReservation(row scanner) (domain.Reservation, error) {
	var (
		r       domain.Reservation
		status  string
		history []byte
	)
	if err := row.Scan(&r.ID, &r.DateTime, &r.Duration, &r.PartySize, &r.Customer.Name, &r.Customer.Email, &r.Customer.Phone,
		&r.Table, &status, &history, &r.Notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.Status(status)
	if err := json.Unmarshal(history, &r.StatusHistory); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "decode history of %s", r.ID)
	}
	return r, nil
}
