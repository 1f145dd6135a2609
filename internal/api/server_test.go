package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tableflow/internal/api"
	"tableflow/internal/domain"
	"tableflow/internal/lifecycle"
	"tableflow/internal/scheduler"
	"tableflow/internal/store"
)

type recordingNotifier struct {
	mu       sync.Mutex
	welcomed []string
	contacts []string
}

func (n *recordingNotifier) Welcome(r domain.Reservation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomed = append(n.welcomed, r.Customer.Email)
}

func (n *recordingNotifier) ContactNotice(recipients []string, name, email, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contacts = append(n.contacts, email)
}

type mockTasks struct{ mock.Mock }

func (m *mockTasks) Status() []scheduler.TaskStatus {
	return m.Called().Get(0).([]scheduler.TaskStatus)
}

func (m *mockTasks) RunTaskManually(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

type fixture struct {
	handler  http.Handler
	store    *store.SQLite
	notifier *recordingNotifier
	tasks    *mockTasks
}

func newFixture(t *testing.T, ready func(context.Context) error) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	n := &recordingNotifier{}
	tasks := &mockTasks{}
	h := api.NewServer(api.Deps{
		Machine:         lifecycle.New(s, nil),
		Store:           s,
		Notifier:        n,
		Tasks:           tasks,
		Ready:           ready,
		Operators:       []string{"ops@example.com"},
		DefaultDuration: 90,
	})
	return &fixture{handler: h, store: s, notifier: n, tasks: tasks}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T, email string) domain.Reservation {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/reservations", map[string]any{
		"date_time":  time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"party_size": 4,
		"customer":   map[string]any{"name": "Ada", "email": email},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var r domain.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	return r
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, func(context.Context) error { return errors.New("store down") })

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store down")

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateReservation(t *testing.T) {
	f := newFixture(t, nil)

	r := f.create(t, "ada@example.com")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, domain.StatusPending, r.Status)
	assert.Equal(t, 90, r.Duration)
	require.Len(t, r.StatusHistory, 1)

	f.create(t, "ada@example.com")
	f.create(t, "")
	assert.Equal(t, []string{"ada@example.com"}, f.notifier.welcomed)
}

func TestCreateReservation_ConcurrentFirstBookingsWelcomeOnce(t *testing.T) {
	f := newFixture(t, nil)
	body, err := json.Marshal(map[string]any{
		"date_time":  time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"party_size": 2,
		"customer":   map[string]any{"name": "Grace", "email": "grace@example.com"},
	})
	require.NoError(t, err)

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/reservations", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			f.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusCreated, c)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"grace@example.com"}, f.notifier.welcomed)
}

func TestCreateReservation_Validation(t *testing.T) {
	f := newFixture(t, nil)

	testCases := []struct {
		name  string
		body  any
		field string
	}{
		{name: "missing party size", body: map[string]any{"date_time": "2026-06-01T19:00:00Z", "customer": map[string]any{"name": "A"}}, field: "party_size"},
		{name: "bad email", body: map[string]any{"date_time": "2026-06-01T19:00:00Z", "party_size": 2, "customer": map[string]any{"name": "A", "email": "nope"}}, field: "email"},
		{name: "missing name", body: map[string]any{"date_time": "2026-06-01T19:00:00Z", "party_size": 2}, field: "name"},
		{name: "missing date", body: map[string]any{"party_size": 2, "customer": map[string]any{"name": "A"}}, field: "date_time"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/reservations", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.field)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/reservations", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitions(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "ada@example.com")
	base := "/api/reservations/" + r.ID

	testCases := []struct {
		name       string
		action     string
		body       any
		wantCode   int
		wantStatus domain.Status
		applied    bool
	}{
		{name: "confirm", action: "confirm", wantCode: http.StatusOK, wantStatus: domain.StatusConfirmed, applied: true},
		{name: "confirm again is a no-op", action: "confirm", wantCode: http.StatusOK, wantStatus: domain.StatusConfirmed},
		{name: "check-in needs a table", action: "check-in", body: map[string]any{}, wantCode: http.StatusBadRequest},
		{name: "check-in", action: "check-in", body: map[string]any{"table": "T3"}, wantCode: http.StatusOK, wantStatus: domain.StatusSeated, applied: true},
		{name: "customer cannot complete", action: "complete", body: map[string]any{"actor": "user"}, wantCode: http.StatusConflict},
		{name: "customer cannot mark no-show", action: "no-show", body: map[string]any{"actor": "user"}, wantCode: http.StatusConflict},
		{name: "complete", action: "complete", wantCode: http.StatusOK, wantStatus: domain.StatusCompleted, applied: true},
		{name: "cancel after complete", action: "cancel", body: map[string]any{"actor": "user", "reason": "changed plans"}, wantCode: http.StatusConflict},
		{name: "bad actor", action: "cancel", body: map[string]any{"actor": "robot"}, wantCode: http.StatusBadRequest},
		{name: "unknown action", action: "teleport", wantCode: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, base+"/"+tc.action, tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Reservation domain.Reservation `json:"reservation"`
				Applied     bool               `json:"applied"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantStatus, resp.Reservation.Status)
			assert.Equal(t, tc.applied, resp.Applied)
		})
	}

	got, err := f.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Table)
	assert.Len(t, got.StatusHistory, 4)

	rec := f.do(t, http.MethodPost, "/api/reservations/res_missing/confirm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetListAndUpdate(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, "a@example.com")
	b := f.create(t, "b@example.com")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reservations/"+b.ID+"/confirm", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/reservations/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/reservations/res_missing", nil).Code)

	rec = f.do(t, http.MethodGet, "/api/reservations?status=confirmed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/reservations?status=eaten", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/reservations?from=yesterday", nil).Code)

	rec = f.do(t, http.MethodPatch, "/api/reservations/"+a.ID, map[string]any{"party_size": 6, "notes": "window seat"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated domain.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 6, updated.PartySize)
	assert.Equal(t, "window seat", updated.Notes)
	assert.Equal(t, domain.StatusPending, updated.Status)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/reservations/"+a.ID, map[string]any{"party_size": 0}).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reservations/"+a.ID+"/cancel", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPatch, "/api/reservations/"+a.ID, map[string]any{"party_size": 3}).Code)
}

func TestNotificationsAndContact(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.AppendOutcome(context.Background(), domain.NotificationOutcome{
		Type: domain.NotificationReminder, ResourceID: "res_1", Recipient: "a@example.com",
		Status: domain.OutcomeFailed, Error: &domain.OutcomeError{Message: "timeout"}, Timestamp: time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/notifications?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []domain.NotificationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "timeout", out[0].Error.Message)

	rec = f.do(t, http.MethodGet, "/api/notifications?resource_id=res_2", nil)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/contact", map[string]any{"name": "Bob", "email": "bob@example.com", "message": "Gluten free?"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"bob@example.com"}, f.notifier.contacts)

	rec = f.do(t, http.MethodPost, "/api/contact", map[string]any{"name": "Bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerTasks(t *testing.T) {
	f := newFixture(t, nil)
	status := []scheduler.TaskStatus{{Name: "table-release", Schedule: "*/15 * * * *", Runs: 1}}
	f.tasks.On("Status").Return(status)
	f.tasks.On("RunTaskManually", mock.Anything, "table-release").Return(nil).Once()
	f.tasks.On("RunTaskManually", mock.Anything, "data-cleanup").Return(errors.Wrap(scheduler.ErrTaskRunning, "data-cleanup")).Once()
	f.tasks.On("RunTaskManually", mock.Anything, "bake").Return(scheduler.ErrUnknownTask).Once()

	rec := f.do(t, http.MethodGet, "/api/scheduler/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "table-release")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/scheduler/tasks/table-release/run", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/scheduler/tasks/data-cleanup/run", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/scheduler/tasks/bake/run", nil).Code)
	f.tasks.AssertExpectations(t)
}
