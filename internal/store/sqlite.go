package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tableflow/internal/domain"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS reservations (
  id TEXT PRIMARY KEY,
  date_time INTEGER NOT NULL,
  duration_min INTEGER NOT NULL CHECK(duration_min > 0),
  party_size INTEGER NOT NULL CHECK(party_size > 0),
  customer_name TEXT NOT NULL,
  customer_email TEXT NOT NULL DEFAULT '',
  customer_phone TEXT NOT NULL DEFAULT '',
  table_ref TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','confirmed','seated','completed','cancelled','no_show')),
  status_history TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_status_time ON reservations(status, date_time);
CREATE INDEX IF NOT EXISTS idx_reservations_updated ON reservations(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_reservations_email ON reservations(customer_email);
CREATE TABLE IF NOT EXISTS notification_outcomes (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  resource_id TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('sent','failed','pending')),
  message_id TEXT NOT NULL DEFAULT '',
  error_message TEXT,
  error_detail TEXT,
  timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_resource ON notification_outcomes(resource_id, type);
CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON notification_outcomes(timestamp);
`

const reservationColumns = `id,date_time,duration_min,party_size,customer_name,customer_email,customer_phone,table_ref,status,status_history,notes,created_at,updated_at`

const outcomeColumns = `id,type,resource_id,recipient,status,message_id,error_message,error_detail,timestamp`

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixMilli() },
	endExpr:     "(date_time + duration_min * 60000)",
}

type SQLite struct{ db *sql.DB }

// OpenSQLite opens (or creates) the database file at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	s := &SQLite{db: db}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, sqliteSchema)
	return errors.Wrap(err, "ensure schema")
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return unavailable(s.db.PingContext(ctx), "ping")
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, r domain.Reservation) (string, error) {
	if r.ID == "" {
		r.ID = NewReservationID()
	}
	history, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return "", errors.Wrap(err, "encode history")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO reservations (`+reservationColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.DateTime.UnixMilli(), r.Duration, r.PartySize, r.Customer.Name, r.Customer.Email, r.Customer.Phone,
		r.Table, string(r.Status), string(history), r.Notes, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return "", unavailable(err, "insert reservation")
	}
	return r.ID, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=?`, id)
	r, err := scanSQLiteReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, errors.Wrapf(ErrNotFound, "reservation %s", id)
	}
	if err != nil {
		return domain.Reservation{}, unavailable(err, "get reservation")
	}
	return r, nil
}

func (s *SQLite) Find(ctx context.Context, f Filter) ([]domain.Reservation, error) {
	where, args := f.where(sqliteDialect)
	q := `SELECT ` + reservationColumns + ` FROM reservations` + where + ` ORDER BY date_time ASC`
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err, "find reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanSQLiteReservation(rows)
		if err != nil {
			return nil, unavailable(err, "scan reservation")
		}
		out = append(out, r)
	}
	return out, unavailable(rows.Err(), "find reservations")
}

func (s *SQLite) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where(sqliteDialect)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations`+where, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "count reservations")
	}
	return n, nil
}

func (s *SQLite) Save(ctx context.Context, r domain.Reservation, expected domain.Status) error {
	history, err := json.Marshal(r.StatusHistory)
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE reservations
SET date_time=?, duration_min=?, party_size=?, customer_name=?, customer_email=?, customer_phone=?,
    table_ref=?, status=?, status_history=?, notes=?, updated_at=?
WHERE id=? AND status=?`,
		r.DateTime.UnixMilli(), r.Duration, r.PartySize, r.Customer.Name, r.Customer.Email, r.Customer.Phone,
		r.Table, string(r.Status), string(history), r.Notes, r.UpdatedAt.UnixMilli(), r.ID, string(expected))
	if err != nil {
		return unavailable(err, "save reservation")
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, r.ID); err != nil {
		return err
	}
	return errors.Wrapf(ErrConflict, "reservation %s is no longer %s", r.ID, expected)
}

func (s *SQLite) DeleteReservations(ctx context.Context, f Filter) (int, error) {
	where, args := f.where(sqliteDialect)
	if where == "" {
		return 0, errors.New("refusing to delete without a filter")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM reservations`+where, args...)
	if err != nil {
		return 0, unavailable(err, "delete reservations")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) AppendOutcome(ctx context.Context, o domain.NotificationOutcome) error {
	if o.ID == "" {
		o.ID = NewOutcomeID()
	}
	var msg, detail sql.NullString
	if o.Error != nil {
		msg = sql.NullString{String: o.Error.Message, Valid: true}
		detail = sql.NullString{String: o.Error.Detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_outcomes (`+outcomeColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, string(o.Type), o.ResourceID, o.Recipient, string(o.Status), o.MessageID, msg, detail, o.Timestamp.UnixMilli())
	return unavailable(err, "append outcome")
}

func (s *SQLite) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]domain.NotificationOutcome, error) {
	where, args := f.where(sqliteDialect)
	q := `SELECT ` + outcomeColumns + ` FROM notification_outcomes` + where + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err, "list outcomes")
	}
	defer rows.Close()

	var out []domain.NotificationOutcome
	for rows.Next() {
		var (
			o           domain.NotificationOutcome
			msg, detail sql.NullString
			ts          int64
		)
		if err := rows.Scan(&o.ID, &o.Type, &o.ResourceID, &o.Recipient, &o.Status, &o.MessageID, &msg, &detail, &ts); err != nil {
			return nil, unavailable(err, "scan outcome")
		}
		if msg.Valid {
			o.Error = &domain.OutcomeError{Message: msg.String, Detail: detail.String}
		}
		o.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, o)
	}
	return out, unavailable(rows.Err(), "list outcomes")
}

func (s *SQLite) PurgeOutcomes(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_outcomes WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, unavailable(err, "purge outcomes")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSQLiteReservation(row scanner) (domain.Reservation, error) {
	var (
		r                          domain.Reservation
		table                      sql.NullString
		history                    string
		dateTime, created, updated int64
	)
	if err := row.Scan(&r.ID, &dateTime, &r.Duration, &r.PartySize, &r.Customer.Name, &r.Customer.Email, &r.Customer.Phone,
		&table, &r.Status, &history, &r.Notes, &created, &updated); err != nil {
		return domain.Reservation{}, err
	}
	if table.Valid {
		t := table.String
		r.Table = &t
	}
	if err := json.Unmarshal([]byte(history), &r.StatusHistory); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "decode history of %s", r.ID)
	}
	r.DateTime = time.UnixMilli(dateTime).UTC()
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

func NewReservationID() string { return "res_" + uuid.NewString() }

func NewOutcomeID() string { return "ntf_" + uuid.NewString() }
