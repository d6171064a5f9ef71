package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

// State is the tracker lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateCompleting State = "completing"
	StateClosed     State = "closed"
)

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Defaults to zap.NewNop.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithResourceUUID attaches the backend resource identity sent on create.
func WithResourceUUID(id string) Option {
	return func(t *Tracker) { t.resourceUUID = id }
}

// Tracker buffers session events and delivers them to the backend.
//
// The call path only appends to the queue; delivery runs in a background
// loop on a fixed interval, plus an out-of-band flush when the queue
// reaches the configured threshold. A failed delivery re-queues the
// undelivered remainder ahead of newer events so order is preserved.
type Tracker struct {
	cfg          config.Session
	log          *zap.Logger
	backend      *backend
	sessionID    string
	resourceUUID string

	mu          sync.Mutex
	state       State
	queue       []*Event
	sessionUUID string
	dropped     int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a pending Tracker for the given telemetry session id.
func New(cfg *config.Telemetry, sessionID string, opts ...Option) (*Tracker, error) {
	be, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("session backend: %w", err)
	}

	t := &Tracker{
		cfg:       cfg.Session,
		log:       zap.NewNop(),
		backend:   be,
		sessionID: sessionID,
		state:     StatePending,
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("session")
	return t, nil
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionUUID returns the backend-assigned identity, empty until Start
// succeeds.
func (t *Tracker) SessionUUID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionUUID
}

// Start registers the session with the backend and begins the periodic
// flush loop. No-op unless the tracker is still pending; a failed create
// leaves it pending so Start can be retried.
func (t *Tracker) Start(ctx context.Context, metadata map[string]any) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	uuid, err := t.backend.createSession(ctx, createRequest{
		SessionID:    t.sessionID,
		ResourceUUID: t.resourceUUID,
		StartTime:    time.Now().Format(time.RFC3339Nano),
		Metadata:     metadata,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	t.mu.Lock()
	t.sessionUUID = uuid
	t.state = StateActive
	t.mu.Unlock()

	t.wg.Add(1)
	go t.flushLoop()

	t.log.Debug("session started", zap.String("session_uuid", uuid))
	return nil
}

// AddEvent queues an event for delivery. Non-blocking: it never touches
// the network. Events are accepted only while active; the queue is bounded
// and drops its oldest entry when full.
func (t *Tracker) AddEvent(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, event)
	if t.cfg.MaxQueueSize > 0 && len(t.queue) > t.cfg.MaxQueueSize {
		t.queue = t.queue[1:]
		t.dropped++
		if t.dropped%100 == 1 {
			t.log.Warn("session queue full, dropping oldest events",
				zap.Int("dropped_total", t.dropped))
		}
	}
	trigger := t.cfg.QueueThreshold > 0 && len(t.queue) >= t.cfg.QueueThreshold
	t.mu.Unlock()

	if trigger {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush delivers all currently queued events in order. On a delivery
// failure the undelivered remainder goes back to the front of the queue
// and the error is returned; the next flush retries.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if t.sessionUUID == "" || len(t.queue) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.queue
	t.queue = nil
	uuid := t.sessionUUID
	t.mu.Unlock()

	for i, event := range batch {
		if err := t.backend.addEvent(ctx, uuid, event); err != nil {
			t.mu.Lock()
			t.queue = append(batch[i:], t.queue...)
			t.mu.Unlock()
			return fmt.Errorf("flush session events: %w", err)
		}
	}
	return nil
}

// Complete stops the flush loop, delivers remaining events, notifies the
// backend, and closes the tracker. No-op unless active.
func (t *Tracker) Complete(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil
	}
	t.state = StateCompleting
	uuid := t.sessionUUID
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	var errs []error
	if err := t.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.backend.completeSession(ctx, uuid); err != nil {
		errs = append(errs, fmt.Errorf("complete session: %w", err))
	}

	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()

	t.log.Debug("session completed", zap.String("session_uuid", uuid))
	return errors.Join(errs...)
}

// flushLoop drains the queue on the configured interval and whenever a
// threshold flush is triggered. An in-flight flush finishes before the
// loop tears down.
func (t *Tracker) flushLoop() {
	defer t.wg.Done()

	interval := t.cfg.FlushInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		case <-t.flushCh:
		}
		if err := t.Flush(context.Background()); err != nil {
			t.log.Warn("session flush failed, events re-queued", zap.Error(err))
		}
	}
}
