package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

// fakeBackend records session API calls and can be told to fail add_event
// after a number of successes.
type fakeBackend struct {
	mu           sync.Mutex
	events       []eventRequest
	completed    int
	failAfter    int // fail add_event once this many have succeeded; -1 never
	lastAuth     string
	lastMetadata map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failAfter: -1}
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")

		switch r.URL.Path {
		case "/sessions/create":
			var req createRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.lastMetadata = req.Metadata
			_ = json.NewEncoder(w).Encode(map[string]string{"session_uuid": "abc"})
		case "/sessions/add_event":
			if f.failAfter >= 0 && len(f.events) >= f.failAfter {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			var req eventRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.events = append(f.events, req)
			w.WriteHeader(http.StatusOK)
		case "/sessions/complete":
			f.completed++
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeBackend) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeBackend) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeBackend) eventTool(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[i].ToolName
}

func newTestTracker(t *testing.T, endpoint string, mutate func(*config.Telemetry)) *Tracker {
	t.Helper()
	cfg := config.NewDefault()
	cfg.ServerName = "test-server"
	cfg.ServerVersion = "0.0.1"
	cfg.Endpoint = endpoint
	if mutate != nil {
		mutate(cfg)
	}
	tr, err := New(cfg, "local-session-id")
	require.NoError(t, err)
	return tr
}

func TestTracker_StartActivates(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL, nil)
	assert.Equal(t, StatePending, tr.State())

	err := tr.Start(context.Background(), map[string]any{"client": "inspector"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, tr.State())
	assert.Equal(t, "abc", tr.SessionUUID())

	fake.mu.Lock()
	metadata := fake.lastMetadata
	fake.mu.Unlock()
	assert.Equal(t, "inspector", metadata["client"])

	require.NoError(t, tr.Complete(context.Background()))
}

func TestTracker_StartIsIdempotent(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL, nil)
	require.NoError(t, tr.Start(context.Background(), nil))
	require.NoError(t, tr.Start(context.Background(), nil), "second start is a no-op")
	require.NoError(t, tr.Complete(context.Background()))
	assert.Equal(t, 1, fake.completedCount())
}

func TestTracker_ThresholdTriggersFlush(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	// Long interval so only the threshold can explain a flush.
	tr := newTestTracker(t, srv.URL, func(cfg *config.Telemetry) {
		cfg.Session.FlushInterval = config.Duration(time.Hour)
	})
	require.NoError(t, tr.Start(context.Background(), nil))

	for i := 0; i < 11; i++ {
		tr.AddEvent(&Event{Type: EventToolCall, ToolName: fmt.Sprintf("tool-%d", i)})
	}

	require.Eventually(t, func() bool {
		return fake.eventCount() >= 10
	}, 2*time.Second, 10*time.Millisecond, "threshold flush should drain the queue")

	tr.mu.Lock()
	pending := len(tr.queue)
	tr.mu.Unlock()
	assert.LessOrEqual(t, pending, 1)

	require.NoError(t, tr.Complete(context.Background()))
	assert.Equal(t, 11, fake.eventCount())
	// Delivery preserved original order.
	for i := 0; i < 11; i++ {
		assert.Equal(t, fmt.Sprintf("tool-%d", i), fake.eventTool(i))
	}
}

func TestTracker_FailedFlushPreservesOrder(t *testing.T) {
	fake := newFakeBackend()
	fake.failAfter = 2
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL, func(cfg *config.Telemetry) {
		cfg.Session.FlushInterval = config.Duration(time.Hour)
		cfg.Session.QueueThreshold = 100
	})
	require.NoError(t, tr.Start(context.Background(), nil))

	for i := 0; i < 5; i++ {
		tr.AddEvent(&Event{Type: EventToolCall, ToolName: fmt.Sprintf("tool-%d", i)})
	}

	err := tr.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, fake.eventCount(), "first two delivered before the failure")

	// Undelivered events are back at the front, in original order.
	tr.mu.Lock()
	var names []string
	for _, e := range tr.queue {
		names = append(names, e.ToolName)
	}
	tr.mu.Unlock()
	assert.Equal(t, []string{"tool-2", "tool-3", "tool-4"}, names)

	// Next flush retries and succeeds.
	fake.mu.Lock()
	fake.failAfter = -1
	fake.mu.Unlock()
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 5, fake.eventCount())
}

func TestTracker_CompleteClosesAndNotifies(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL, nil)
	require.NoError(t, tr.Start(context.Background(), nil))
	tr.AddEvent(&Event{Type: EventToolCall, ToolName: "echo"})

	require.NoError(t, tr.Complete(context.Background()))
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, 1, fake.eventCount())
	assert.Equal(t, 1, fake.completedCount())

	// Events after close are dropped, a second complete is a no-op.
	tr.AddEvent(&Event{Type: EventToolCall, ToolName: "late"})
	require.NoError(t, tr.Complete(context.Background()))
	assert.Equal(t, 1, fake.eventCount())
	assert.Equal(t, 1, fake.completedCount())
}

func TestTracker_AddEventBeforeStartIsDropped(t *testing.T) {
	tr := newTestTracker(t, "http://localhost:1", nil)
	tr.AddEvent(&Event{Type: EventToolCall, ToolName: "early"})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.queue)
}

func TestTracker_BoundedQueueDropsOldest(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL, func(cfg *config.Telemetry) {
		cfg.Session.FlushInterval = config.Duration(time.Hour)
		cfg.Session.QueueThreshold = 1000
		cfg.Session.MaxQueueSize = 3
	})
	require.NoError(t, tr.Start(context.Background(), nil))

	for i := 0; i < 5; i++ {
		tr.AddEvent(&Event{Type: EventToolCall, ToolName: fmt.Sprintf("tool-%d", i)})
	}

	tr.mu.Lock()
	var names []string
	for _, e := range tr.queue {
		names = append(names, e.ToolName)
	}
	tr.mu.Unlock()
	assert.Equal(t, []string{"tool-2", "tool-3", "tool-4"}, names)
}

func TestTracker_NoEndpoint(t *testing.T) {
	cfg := config.NewDefault()
	cfg.ServerName = "test-server"
	cfg.ServerVersion = "0.0.1"
	cfg.Endpoint = ""

	tr, err := New(cfg, "local-session-id")
	require.NoError(t, err)

	err = tr.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrEndpointNotConfigured)
	assert.Equal(t, StatePending, tr.State())
}

func TestTracker_AuthHeaderOnRequests(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL, func(cfg *config.Telemetry) {
		cfg.Auth = &config.Auth{Type: config.AuthBearer, Token: config.Secret("tok")}
	})
	require.NoError(t, tr.Start(context.Background(), nil))
	require.NoError(t, tr.Complete(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "Bearer tok", fake.lastAuth)
}

func TestBackend_StripsIngestPath(t *testing.T) {
	fake := newFakeBackend()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tr := newTestTracker(t, srv.URL+"/v1/traces", nil)
	require.NoError(t, tr.Start(context.Background(), nil))
	assert.Equal(t, "abc", tr.SessionUUID())
	require.NoError(t, tr.Complete(context.Background()))
}
