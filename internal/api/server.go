package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"tableflow/internal/domain"
	"tableflow/internal/lifecycle"
	"tableflow/internal/scheduler"
	"tableflow/internal/store"
)

type Machine interface {
	Create(ctx context.Context, r domain.Reservation, actor string) (domain.Reservation, error)
	Update(ctx context.Context, id string, mutate func(*domain.Reservation) error) (domain.Reservation, error)
	Apply(ctx context.Context, req lifecycle.Request) (lifecycle.Result, error)
}

type Store interface {
	Get(ctx context.Context, id string) (domain.Reservation, error)
	Find(ctx context.Context, f store.Filter) ([]domain.Reservation, error)
	Count(ctx context.Context, f store.Filter) (int, error)
	ListOutcomes(ctx context.Context, f store.OutcomeFilter) ([]domain.NotificationOutcome, error)
}

type Notifier interface {
	Welcome(r domain.Reservation)
	ContactNotice(recipients []string, name, email, message string)
}

type Tasks interface {
	Status() []scheduler.TaskStatus
	RunTaskManually(ctx context.Context, name string) error
}

type Deps struct {
	Machine  Machine
	Store    Store
	Notifier Notifier
	Tasks    Tasks
	// Ready reports readiness for /ready; nil means always ready.
	Ready func(ctx context.Context) error

	Operators       []string
	DefaultDuration int
	Debug           bool
}

type Server struct {
	r        *chi.Mux
	deps     Deps
	validate *validator.Validate

	// createMu makes the first-booking check and the insert one step.
	createMu sync.Mutex
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	if deps.DefaultDuration < 1 {
		deps.DefaultDuration = 120
	}
	s := &Server{r: r, deps: deps, validate: newValidator()}

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/reservations", s.createReservation)
		r.Get("/reservations", s.listReservations)
		r.Get("/reservations/{id}", s.getReservation)
		r.Patch("/reservations/{id}", s.updateReservation)
		r.Post("/reservations/{id}/{action}", s.transition)

		r.Get("/notifications", s.listNotifications)
		r.Post("/contact", s.contact)

		r.Get("/scheduler/tasks", s.listTasks)
		r.Post("/scheduler/tasks/{name}/run", s.runTask)
	})

	// Debug routes (pprof)
	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type customerReq struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,max=40"`
}

type createReservationReq struct {
	DateTime  time.Time   `json:"date_time" validate:"required"`
	Duration  int         `json:"duration" validate:"omitempty,min=1,max=720"`
	PartySize int         `json:"party_size" validate:"required,min=1,max=50"`
	Customer  customerReq `json:"customer"`
	Notes     string      `json:"notes" validate:"max=1000"`
}

func (s *Server) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.Duration == 0 {
		req.Duration = s.deps.DefaultDuration
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	first := false
	if req.Customer.Email != "" {
		n, err := s.deps.Store.Count(r.Context(), store.Filter{Email: req.Customer.Email})
		if err != nil {
			writeError(w, err)
			return
		}
		first = n == 0
	}

	res, err := s.deps.Machine.Create(r.Context(), domain.Reservation{
		DateTime:  req.DateTime,
		Duration:  req.Duration,
		PartySize: req.PartySize,
		Customer:  domain.Customer{Name: req.Customer.Name, Email: req.Customer.Email, Phone: req.Customer.Phone},
		Notes:     req.Notes,
	}, lifecycle.ActorUser)
	if err != nil {
		writeError(w, err)
		return
	}
	if first && s.deps.Notifier != nil {
		s.deps.Notifier.Welcome(res)
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Email: q.Get("email")}

	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := domain.Status(strings.TrimSpace(part))
			if !st.Valid() {
				http.Error(w, "unknown status "+string(st), http.StatusBadRequest)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		http.Error(w, "from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		http.Error(w, "to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rs, err := s.deps.Store.Find(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if rs == nil {
		rs = []domain.Reservation{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type updateReservationReq struct {
	DateTime  *time.Time `json:"date_time"`
	Duration  *int       `json:"duration" validate:"omitempty,min=1,max=720"`
	PartySize *int       `json:"party_size" validate:"omitempty,min=1,max=50"`
	Name      *string    `json:"name" validate:"omitempty,min=1,max=200"`
	Email     *string    `json:"email" validate:"omitempty,email"`
	Phone     *string    `json:"phone" validate:"omitempty,max=40"`
	Notes     *string    `json:"notes" validate:"omitempty,max=1000"`
}

func (s *Server) updateReservation(w http.ResponseWriter, r *http.Request) {
	var req updateReservationReq
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Machine.Update(r.Context(), chi.URLParam(r, "id"), func(res *domain.Reservation) error {
		if req.DateTime != nil {
			res.DateTime = *req.DateTime
		}
		if req.Duration != nil {
			res.Duration = *req.Duration
		}
		if req.PartySize != nil {
			res.PartySize = *req.PartySize
		}
		if req.Name != nil {
			res.Customer.Name = *req.Name
		}
		if req.Email != nil {
			res.Customer.Email = *req.Email
		}
		if req.Phone != nil {
			res.Customer.Phone = *req.Phone
		}
		if req.Notes != nil {
			res.Notes = *req.Notes
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var actions = map[string]lifecycle.Event{
	"confirm":  lifecycle.EventConfirm,
	"cancel":   lifecycle.EventCancel,
	"check-in": lifecycle.EventCheckIn,
	"complete": lifecycle.EventComplete,
	"no-show":  lifecycle.EventMarkNoShow,
}

type transitionReq struct {
	Actor  string `json:"actor" validate:"omitempty,oneof=user staff"`
	Reason string `json:"reason" validate:"max=500"`
	Table  string `json:"table" validate:"max=40"`
}

type transitionResp struct {
	Reservation domain.Reservation `json:"reservation"`
	From        domain.Status      `json:"from"`
	Applied     bool               `json:"applied"`
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	ev, ok := actions[chi.URLParam(r, "action")]
	if !ok {
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	var req transitionReq
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = lifecycle.ActorStaff
	}

	res, err := s.deps.Machine.Apply(r.Context(), lifecycle.Request{
		ID:     chi.URLParam(r, "id"),
		Event:  ev,
		Actor:  req.Actor,
		Reason: req.Reason,
		Table:  req.Table,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResp{Reservation: res.Reservation, From: res.From, Applied: res.Applied})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.deps.Store.ListOutcomes(r.Context(), store.OutcomeFilter{
		ResourceID: q.Get("resource_id"),
		Type:       domain.NotificationType(q.Get("type")),
		Status:     domain.OutcomeStatus(q.Get("status")),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []domain.NotificationOutcome{}
	}
	writeJSON(w, http.StatusOK, out)
}

type contactReq struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email"`
	Message string `json:"message" validate:"required,max=5000"`
}

func (s *Server) contact(w http.ResponseWriter, r *http.Request) {
	var req contactReq
	if !s.decode(w, r, &req) {
		return
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.ContactNotice(s.deps.Operators, req.Name, req.Email, req.Message)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tasks.Status())
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Tasks.RunTaskManually(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	for _, st := range s.deps.Tasks.Status() {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v and validates it, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
			return false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrUnknownTask):
		code = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrTaskRunning),
		errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, scheduler.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Newf("invalid limit %q", v)
	}
	return n, nil
}
