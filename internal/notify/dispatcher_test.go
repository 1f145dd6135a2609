package notify_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tableflow/internal/domain"
	"tableflow/internal/notify"
)

type mockGateway struct{ mock.Mock }

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) Send(ctx context.Context, msg notify.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []domain.NotificationOutcome
	err      error
}

func (r *outcomeRecorder) AppendOutcome(_ context.Context, o domain.NotificationOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *outcomeRecorder) all() []domain.NotificationOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.NotificationOutcome(nil), r.outcomes...)
}

func reservation(status domain.Status, email string) domain.Reservation {
	r := domain.Reservation{
		ID:        "res_1",
		DateTime:  time.Date(2026, 6, 1, 19, 30, 0, 0, time.UTC),
		Duration:  120,
		PartySize: 3,
		Customer:  domain.Customer{Name: "Linus", Email: email},
	}
	r.Append(status, r.DateTime, "user", "")
	return r
}

func withID(r domain.Reservation, id string) domain.Reservation {
	r.ID = id
	return r
}

func newDispatcher(t *testing.T, gw notify.Gateway, rec *outcomeRecorder, opts notify.Options) *notify.Dispatcher {
	t.Helper()
	if opts.Restaurant == "" {
		opts.Restaurant = "Chez Test"
	}
	d := notify.NewDispatcher(gw, rec, opts)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDispatcher_StatusChangedMapping(t *testing.T) {
	testCases := []struct {
		name     string
		status   domain.Status
		email    string
		wantKind domain.NotificationType
	}{
		{name: "confirmed sends confirmation", status: domain.StatusConfirmed, email: "a@example.com", wantKind: domain.NotificationConfirmation},
		{name: "cancelled sends cancellation", status: domain.StatusCancelled, email: "a@example.com", wantKind: domain.NotificationCancellation},
		{name: "no_show sends cancellation", status: domain.StatusNoShow, email: "a@example.com", wantKind: domain.NotificationCancellation},
		{name: "seated sends nothing", status: domain.StatusSeated, email: "a@example.com"},
		{name: "completed sends nothing", status: domain.StatusCompleted, email: "a@example.com"},
		{name: "no email is skipped", status: domain.StatusConfirmed, email: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &mockGateway{}
			rec := &outcomeRecorder{}
			if tc.wantKind != "" {
				gw.On("Send", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
					return m.Kind == tc.wantKind && m.Recipient == tc.email
				})).Return("msg-1", nil).Once()
			}
			d := newDispatcher(t, gw, rec, notify.Options{})

			d.StatusChanged(reservation(tc.status, tc.email), "")

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, d.Close(ctx))

			got := rec.all()
			if tc.wantKind == "" {
				assert.Empty(t, got)
				gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, domain.OutcomeSent, got[0].Status)
			assert.Equal(t, "msg-1", got[0].MessageID)
			assert.Equal(t, "res_1", got[0].ResourceID)
			assert.Equal(t, tc.wantKind, got[0].Type)
			assert.Nil(t, got[0].Error)
			gw.AssertExpectations(t)
		})
	}
}

func TestDispatcher_GatewayFailureRecordsOneFailedOutcome(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.Anything).Return("", errors.New("connection refused")).Once()
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{})

	d.StatusChanged(reservation(domain.StatusNoShow, "x@example.com"), "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, domain.OutcomeFailed, got[0].Status)
	require.NotNil(t, got[0].Error)
	assert.Contains(t, got[0].Error.Message, "connection refused")
	assert.Empty(t, got[0].MessageID)
}

func TestDispatcher_ZeroQueueStillDelivers(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.Anything).Return("msg", nil).Times(4)
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{Workers: 4})

	for i := 0; i < 4; i++ {
		d.StatusChanged(reservation(domain.StatusConfirmed, "q@example.com"), "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	got := rec.all()
	require.Len(t, got, 4)
	for _, o := range got {
		assert.Equal(t, domain.OutcomeSent, o.Status)
	}
	gw.AssertExpectations(t)
}

func TestDispatcher_ReminderInFlightIsNotRequeued(t *testing.T) {
	release := make(chan struct{})
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return("msg", nil).Once()
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{Workers: 2, SendTimeout: 5 * time.Second})

	r := reservation(domain.StatusConfirmed, "r@example.com")
	d.Reminder(r)
	d.Reminder(r)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, domain.NotificationReminder, got[0].Type)
	gw.AssertExpectations(t)
}

func TestDispatcher_DoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return("msg", nil)
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{Workers: 1, Queue: 8, SendTimeout: 5 * time.Second})

	start := time.Now()
	for i := 0; i < 3; i++ {
		d.Reminder(withID(reservation(domain.StatusConfirmed, "r@example.com"), fmt.Sprintf("res_%d", i)))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool { return len(rec.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_HungGatewayTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	gw := &mockGateway{}
	// ignores ctx entirely
	gw.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-block }).Return("late", nil)
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{Workers: 1, Queue: 1, SendTimeout: 50 * time.Millisecond})

	d.Reminder(reservation(domain.StatusConfirmed, "slow@example.com"))

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 10*time.Millisecond)
	got := rec.all()
	assert.Equal(t, domain.OutcomeFailed, got[0].Status)
	assert.Contains(t, got[0].Error.Message, "abandoned")
}

func TestDispatcher_QueueFullStillRecordsOutcome(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}).Return("msg", nil)
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{Workers: 1, Queue: 1, SendTimeout: 5 * time.Second})

	d.Reminder(withID(reservation(domain.StatusConfirmed, "one@example.com"), "res_1"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first intent")
	}
	d.Reminder(withID(reservation(domain.StatusConfirmed, "two@example.com"), "res_2"))
	d.Reminder(withID(reservation(domain.StatusConfirmed, "three@example.com"), "res_3"))

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 10*time.Millisecond)
	first := rec.all()[0]
	assert.Equal(t, "three@example.com", first.Recipient)
	assert.Equal(t, domain.OutcomeFailed, first.Status)

	close(release)
	assert.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_DisabledProducesNoOutcome(t *testing.T) {
	rec := &outcomeRecorder{}
	d := newDispatcher(t, nil, rec, notify.Options{})
	assert.False(t, d.Enabled())

	d.StatusChanged(reservation(domain.StatusConfirmed, "a@example.com"), "")
	d.WeeklySummary([]string{"ops@example.com"}, domain.WeeklyStats{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Empty(t, rec.all())
}

func TestDispatcher_OutcomeStoreFailureIsSwallowed(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.Anything).Return("", errors.New("boom"))
	rec := &outcomeRecorder{err: errors.New("database is locked")}
	d := newDispatcher(t, gw, rec, notify.Options{})

	assert.NotPanics(t, func() {
		d.StatusChanged(reservation(domain.StatusCancelled, "a@example.com"), "kitchen closed")
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, d.Close(ctx))
	})
	gw.AssertNumberOfCalls(t, "Send", 1)
}

func TestDispatcher_WeeklySummaryFansOut(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Send", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
		return m.Kind == domain.NotificationWeeklySummary && m.Data["Created"] == 7
	})).Return("m", nil).Twice()
	rec := &outcomeRecorder{}
	d := newDispatcher(t, gw, rec, notify.Options{})

	d.WeeklySummary([]string{"a@example.com", "b@example.com"}, domain.WeeklyStats{Created: 7})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Len(t, rec.all(), 2)
	gw.AssertExpectations(t)
}
