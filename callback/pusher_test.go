package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/senseeact/notifyd/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler is a Handler that records calls
type recordingHandler struct {
	mu        sync.Mutex
	delivered [][]string
	expired   []string
	failures  int
	evictAt   int
	pending   *Delivery
}

func (h *recordingHandler) Delivered(_ context.Context, id string, subjects []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, subjects)
	h.pending = nil
}

func (h *recordingHandler) Expired(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expired = append(h.expired, id)
}

func (h *recordingHandler) Failed(_ context.Context, id string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	return h.failures, h.evictAt > 0 && h.failures >= h.evictAt
}

func (h *recordingHandler) Pending(id string) (Delivery, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return Delivery{}, false
	}
	return *h.pending, true
}

func (h *recordingHandler) snapshot() ([][]string, []string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.delivered...), append([]string(nil), h.expired...), h.failures
}

func newTestPusher(t *testing.T, h Handler) (*Pusher, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewPusher(Config{Timeout: 2 * time.Second, Clock: clk})
	p.Bind(h)
	t.Cleanup(p.Stop)
	return p, clk
}

func TestPusher_PostsPayload(t *testing.T) {
	bodies := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	p, _ := newTestPusher(t, h)
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Project: "demo", Table: "steps", Subjects: []string{"p1", "p2"}})

	require.Eventually(t, func() bool {
		delivered, _, _ := h.snapshot()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, Payload{Project: "demo", Table: "steps", Subjects: []string{"p1", "p2"}}, <-bodies)
	delivered, _, failures := h.snapshot()
	assert.Equal(t, []string{"p1", "p2"}, delivered[0])
	assert.Zero(t, failures)
}

func TestPusher_ExpiredOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"CALLBACK_EXPIRED"}`))
	}))
	defer srv.Close()

	h := &recordingHandler{}
	p, _ := newTestPusher(t, h)
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}})

	require.Eventually(t, func() bool {
		_, expired, _ := h.snapshot()
		return len(expired) == 1
	}, time.Second, 5*time.Millisecond)
	_, _, failures := h.snapshot()
	assert.Zero(t, failures)
}

func TestPusher_PlainNotFoundIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	p, _ := newTestPusher(t, h)
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}})

	require.Eventually(t, func() bool {
		_, _, failures := h.snapshot()
		return failures == 1
	}, time.Second, 5*time.Millisecond)
	_, expired, _ := h.snapshot()
	assert.Empty(t, expired)
}

func TestPusher_SerializesPerRegistration(t *testing.T) {
	var active, maxActive, calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		<-release
		active.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	p, _ := newTestPusher(t, h)
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"a"}})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Queued while the first is in flight; only the latest is sent
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"a", "b"}})
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"a", "b", "c"}})
	close(release)

	require.Eventually(t, func() bool {
		delivered, _, _ := h.snapshot()
		return len(delivered) == 2
	}, time.Second, 5*time.Millisecond)

	delivered, _, _ := h.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, delivered[1])
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestPusher_SchedulesRetryWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}}
	h := &recordingHandler{pending: &d}
	p, clk := newTestPusher(t, h)
	p.Deliver(d)

	require.Eventually(t, func() bool {
		_, _, failures := h.snapshot()
		return failures == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool {
		delivered, _, _ := h.snapshot()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPusher_NoRetryAfterEviction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}}
	h := &recordingHandler{pending: &d, evictAt: 1}
	p, _ := newTestPusher(t, h)
	p.Deliver(d)

	require.Eventually(t, func() bool {
		_, _, failures := h.snapshot()
		return failures == 1
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, 0, p.timers.Size())
}

func TestPusher_RetryForRemovedRegistration(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// No pending delivery: the registration is gone when the retry fires
	h := &recordingHandler{}
	p, clk := newTestPusher(t, h)
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}})

	require.Eventually(t, func() bool { return p.timers.Size() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))

	require.Eventually(t, func() bool { return p.timers.Size() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPusher_RetryDelay(t *testing.T) {
	p := NewPusher(Config{})
	assert.Equal(t, time.Minute, p.retryDelay(1))
	assert.Equal(t, 2*time.Minute, p.retryDelay(2))
	assert.Equal(t, 16*time.Minute, p.retryDelay(5))
	assert.Equal(t, time.Hour, p.retryDelay(12))
}

func TestPusher_DropsAfterStop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	p, _ := newTestPusher(t, h)
	p.Stop()
	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

type recordingHistogram struct {
	mu     sync.Mutex
	values []float64
}

func (h *recordingHistogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, v)
}

func (h *recordingHistogram) observed() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.values...)
}

func TestPusher_DurationUsesClock(t *testing.T) {
	hist := &recordingHistogram{}
	prev := telemetry.CallbackDurationSeconds
	telemetry.CallbackDurationSeconds = hist
	t.Cleanup(func() { telemetry.CallbackDurationSeconds = prev })

	h := &recordingHandler{}
	p, clk := newTestPusher(t, h)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clk.Advance(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p.Deliver(Delivery{ID: "w1", URL: srv.URL, Subjects: []string{"p1"}})
	require.Eventually(t, func() bool {
		delivered, _, _ := h.snapshot()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{2}, hist.observed())
}
