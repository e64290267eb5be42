// Package queue provides unit tests for the operation queue store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, p Persister, cfg Config) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewStore(p, cfg,
		WithClock(clock),
		WithIDGenerator(uuid.Sequential("req")),
		WithLogger(logging.New(io.Discard, logging.LevelError)),
	)
	return s, clock
}

func request(method, endpoint string, priority models.Priority) *models.QueuedRequest {
	return &models.QueuedRequest{
		Method:   method,
		Endpoint: endpoint,
		Priority: priority,
		Body:     json.RawMessage(`{"title":"milk"}`),
	}
}

func mustEnqueue(t *testing.T, s *Store, r *models.QueuedRequest) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), r)
	require.NoError(t, err)
	return id
}

// =====================================================
// Enqueue Tests
// =====================================================

func TestEnqueue_assignsIdentity(t *testing.T) {
	p := NewMemoryPersister()
	s, _ := newTestStore(t, p, Config{DefaultMaxRetries: 4})

	id := mustEnqueue(t, s, &models.QueuedRequest{Method: "post", Endpoint: "/todos"})
	assert.Equal(t, "req-1", id)

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, models.OperationCreate, got.Operation)
	assert.Equal(t, models.PriorityMedium, got.Priority)
	assert.Equal(t, 4, got.MaxRetries)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, epoch, got.CreatedAt)
	assert.Equal(t, 1, p.Len(), "request must be persisted before Enqueue returns")
}

func TestEnqueue_keepsCallerID(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	r := request("PUT", "/todos/1", models.PriorityHigh)
	r.ID = "client-42"
	id := mustEnqueue(t, s, r)
	assert.Equal(t, "client-42", id)

	_, err := s.Enqueue(context.Background(), r)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "duplicate id must be rejected")
}

func TestEnqueue_generatedIDSkipsQueuedIDs(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	r := request("POST", "/todos", models.PriorityMedium)
	r.ID = "req-1"
	mustEnqueue(t, s, r)

	id := mustEnqueue(t, s, request("POST", "/todos", models.PriorityMedium))
	assert.Equal(t, "req-2", id)
	assert.Equal(t, 2, s.Stats().Total)
}

func TestEnqueue_doesNotAliasCaller(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	r := request("POST", "/todos", models.PriorityLow)
	id := mustEnqueue(t, s, r)
	r.Endpoint = "/changed"

	got, _ := s.Get(id)
	assert.Equal(t, "/todos", got.Endpoint)
}

func TestEnqueue_rejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	_, err := s.Enqueue(context.Background(), &models.QueuedRequest{Method: "GET", Endpoint: "/todos"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = s.Enqueue(context.Background(), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Equal(t, 0, s.Len())
}

func TestEnqueue_full(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{MaxSize: 2})

	mustEnqueue(t, s, request("POST", "/a", models.PriorityLow))
	mustEnqueue(t, s, request("POST", "/b", models.PriorityLow))

	_, err := s.Enqueue(context.Background(), request("POST", "/c", models.PriorityLow))
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))
	assert.Equal(t, 2, s.Len())
}

func TestEnqueue_durabilityFailure(t *testing.T) {
	p := NewMemoryPersister()
	s, _ := newTestStore(t, p, Config{})

	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })

	p.FailWith(errors.New("disk full"))
	_, err := s.Enqueue(context.Background(), request("POST", "/todos", models.PriorityHigh))

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDurability))
	assert.Equal(t, 0, s.Len(), "a request that was not persisted must not be queued")
	assert.Equal(t, 0, s.Stats().Total)
	assert.Empty(t, events)

	p.FailWith(nil)
	mustEnqueue(t, s, request("POST", "/todos", models.PriorityHigh))
	assert.Equal(t, 1, s.Len())
}

func TestEnqueue_concurrentSequenceIsUnique(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Enqueue(context.Background(), request("POST", fmt.Sprintf("/todos/%d", i), models.PriorityMedium))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, r := range s.List() {
		assert.False(t, seen[r.Seq], "duplicate seq %d", r.Seq)
		seen[r.Seq] = true
	}
	assert.Len(t, seen, n)
}

// =====================================================
// Ordering Tests
// =====================================================

func TestDequeueNext_priorityThenFIFO(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	low := mustEnqueue(t, s, request("POST", "/low", models.PriorityLow))
	med1 := mustEnqueue(t, s, request("POST", "/med1", models.PriorityMedium))
	high := mustEnqueue(t, s, request("POST", "/high", models.PriorityHigh))
	med2 := mustEnqueue(t, s, request("POST", "/med2", models.PriorityMedium))

	var order []string
	for {
		r, ok := s.DequeueNext(nil)
		if !ok {
			break
		}
		order = append(order, r.ID)
		require.NoError(t, s.MarkSucceeded(context.Background(), r.ID))
	}

	assert.Equal(t, []string{high, med1, med2, low}, order)
}

func TestDequeueNext_skipsInFlightAndTerminal(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	first := mustEnqueue(t, s, request("POST", "/a", models.PriorityHigh))
	second := mustEnqueue(t, s, request("POST", "/b", models.PriorityHigh))

	r, ok := s.DequeueNext(nil)
	require.True(t, ok)
	assert.Equal(t, first, r.ID)
	assert.Equal(t, models.RequestInFlight, r.Status)
	assert.Equal(t, 1, s.Stats().InFlight)

	_, err := s.MarkFailed(context.Background(), first, errors.New("rejected"), true)
	require.NoError(t, err)

	r, ok = s.DequeueNext(nil)
	require.True(t, ok)
	assert.Equal(t, second, r.ID)

	_, ok = s.DequeueNext(nil)
	assert.False(t, ok, "nothing left: one terminal, one in flight")
}

func TestDequeueNext_headOfLineBlocksTier(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	backingOff := mustEnqueue(t, s, request("PUT", "/todos/1", models.PriorityMedium))
	mustEnqueue(t, s, request("DELETE", "/todos/1", models.PriorityMedium))
	low := mustEnqueue(t, s, request("POST", "/notes", models.PriorityLow))

	ready := func(r *models.QueuedRequest) bool { return r.ID != backingOff }

	r, ok := s.DequeueNext(ready)
	require.True(t, ok)
	assert.Equal(t, low, r.ID, "later medium request must not overtake its backing-off predecessor")

	_, ok = s.DequeueNext(ready)
	assert.False(t, ok)
}

func TestList_isEnqueueOrder(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	a := mustEnqueue(t, s, request("POST", "/a", models.PriorityLow))
	b := mustEnqueue(t, s, request("POST", "/b", models.PriorityHigh))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].ID)
	assert.Equal(t, b, list[1].ID)
}

// =====================================================
// Outcome Tests
// =====================================================

func TestMarkFailed_retriesUntilBudgetExhausted(t *testing.T) {
	p := NewMemoryPersister()
	s, clock := newTestStore(t, p, Config{})

	r := request("POST", "/todos", models.PriorityMedium)
	r.MaxRetries = 2
	id := mustEnqueue(t, s, r)

	s.DequeueNext(nil)
	clock.Advance(time.Second)
	d, err := s.MarkFailed(context.Background(), id, errors.New("connection refused"), false)
	require.NoError(t, err)
	assert.Equal(t, RetryDecision{Attempts: 1, Retry: true}, d)

	got, _ := s.Get(id)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, "connection refused", got.LastError)
	require.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, epoch.Add(time.Second), *got.LastAttemptAt)

	s.DequeueNext(nil)
	d, err = s.MarkFailed(context.Background(), id, errors.New("connection refused"), false)
	require.NoError(t, err)
	assert.Equal(t, RetryDecision{Attempts: 2, Terminal: true}, d)
	assert.Equal(t, 1, s.Stats().Failed)

	persisted, err := p.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, 2, persisted[0].Attempts)
	assert.Equal(t, models.RequestFailed, persisted[0].Status)
}

func TestMarkFailed_terminalImmediately(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})
	id := mustEnqueue(t, s, request("POST", "/todos", models.PriorityMedium))

	s.DequeueNext(nil)
	d, err := s.MarkFailed(context.Background(), id, errors.New("422"), true)
	require.NoError(t, err)
	assert.True(t, d.Terminal)
	assert.Equal(t, 1, d.Attempts)
}

func TestMarkFailed_persistErrorReleases(t *testing.T) {
	p := NewMemoryPersister()
	s, _ := newTestStore(t, p, Config{})
	id := mustEnqueue(t, s, request("POST", "/todos", models.PriorityMedium))

	s.DequeueNext(nil)
	p.FailWith(errors.New("io"))
	_, err := s.MarkFailed(context.Background(), id, errors.New("timeout"), false)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))

	got, _ := s.Get(id)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestMarkSucceeded_removes(t *testing.T) {
	p := NewMemoryPersister()
	s, _ := newTestStore(t, p, Config{})
	id := mustEnqueue(t, s, request("DELETE", "/todos/3", models.PriorityHigh))

	s.DequeueNext(nil)
	require.NoError(t, s.MarkSucceeded(context.Background(), id))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, p.Len())

	err := s.MarkSucceeded(context.Background(), id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRelease(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})
	id := mustEnqueue(t, s, request("POST", "/todos", models.PriorityHigh))

	assert.False(t, s.Release(id), "pending request is not in flight")
	s.DequeueNext(nil)
	assert.True(t, s.Release(id))

	got, _ := s.Get(id)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestResetFailed(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})
	failed := mustEnqueue(t, s, request("POST", "/a", models.PriorityHigh))
	pending := mustEnqueue(t, s, request("POST", "/b", models.PriorityHigh))

	s.DequeueNext(nil)
	_, err := s.MarkFailed(context.Background(), failed, errors.New("rejected"), true)
	require.NoError(t, err)

	n, err := s.ResetFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get(failed)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)

	other, _ := s.Get(pending)
	assert.Equal(t, models.RequestPending, other.Status)
	assert.Equal(t, 0, s.Stats().Failed)
}

func TestRemoveAndClear(t *testing.T) {
	p := NewMemoryPersister()
	s, _ := newTestStore(t, p, Config{})
	a := mustEnqueue(t, s, request("POST", "/a", models.PriorityHigh))
	mustEnqueue(t, s, request("POST", "/b", models.PriorityLow))

	require.NoError(t, s.Remove(context.Background(), a))
	assert.Equal(t, 1, s.Len())
	assert.True(t, apperrors.Is(s.Remove(context.Background(), a), apperrors.ErrNotFound))

	require.NoError(t, s.Clear(context.Background()))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, models.QueueStats{}, s.Stats())
}

// =====================================================
// Durability Tests
// =====================================================

func TestLoad_rehydratesInOrder(t *testing.T) {
	p := NewMemoryPersister()
	first, _ := newTestStore(t, p, Config{})

	a := mustEnqueue(t, first, request("POST", "/a", models.PriorityMedium))
	b := mustEnqueue(t, first, request("POST", "/b", models.PriorityMedium))
	c := mustEnqueue(t, first, request("POST", "/c", models.PriorityMedium))
	require.NoError(t, first.Remove(context.Background(), b))

	// Simulate a crash mid-attempt: persisted row still says in flight.
	inflight, _ := first.Get(a)
	inflight.Status = models.RequestInFlight
	require.NoError(t, p.Save(context.Background(), inflight))

	restarted := NewStore(p, Config{}, WithLogger(logging.New(io.Discard, logging.LevelError)))
	require.NoError(t, restarted.Load(context.Background()))

	list := restarted.List()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].ID)
	assert.Equal(t, c, list[1].ID)
	assert.Equal(t, models.RequestPending, list[0].Status)

	next, err := restarted.Enqueue(context.Background(), request("POST", "/d", models.PriorityMedium))
	require.NoError(t, err)
	got, _ := restarted.Get(next)
	assert.Equal(t, int64(4), got.Seq, "sequence resumes after the highest loaded seq")
}

// =====================================================
// Event Tests
// =====================================================

func TestSubscribe_events(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})

	var got []EventType
	unsubscribe := s.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
		if ev.Type == EventEnqueued {
			assert.Equal(t, 1, ev.Stats.Total, "stats reflect the completed mutation")
		}
	})

	id := mustEnqueue(t, s, request("POST", "/a", models.PriorityHigh))
	s.DequeueNext(nil)
	_, err := s.MarkFailed(context.Background(), id, errors.New("x"), true)
	require.NoError(t, err)
	_, err = s.ResetFailed(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Clear(context.Background()))

	unsubscribe()
	mustEnqueue(t, s, request("POST", "/b", models.PriorityHigh))

	assert.Equal(t, []EventType{EventEnqueued, EventFailed, EventReset, EventCleared}, got)
}

func TestSubscribe_panicIsRecovered(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryPersister(), Config{})
	s.Subscribe(func(Event) { panic("boom") })

	called := false
	s.Subscribe(func(Event) { called = true })

	assert.NotPanics(t, func() { mustEnqueue(t, s, request("POST", "/a", models.PriorityHigh)) })
	assert.True(t, called)
}
