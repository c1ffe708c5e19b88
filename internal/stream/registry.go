// Package stream fans captured events out to live viewers. The registry is
// the single distribution point; WebSocket, SSE and long-poll subscribe to
// it per session, and the socket.io firehose hangs off it per project.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/monitoring"
)

// ProjectSink receives every message addressed to a project. The socket.io
// firehose registers itself as one.
type ProjectSink interface {
	Publish(projectID string, msg Message)
}

// Subscriber is one attached viewer. Receive from C; the registry never
// blocks on a slow subscriber, it drops the oldest buffered message instead
// and marks the subscriber degraded so the transport can tell the client to
// resync via long-poll.
type Subscriber struct {
	ID        string
	SessionID string
	Transport string

	ch       chan Message
	degraded atomic.Bool
	closed   atomic.Bool
}

// C is the subscriber's receive channel. It is closed by Unsubscribe.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Degraded reports whether any message was dropped since Subscribe.
func (s *Subscriber) Degraded() bool { return s.degraded.Load() }

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber
	sinks    []ProjectSink
	closed   bool

	buffer  int
	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

func NewRegistry(cfg config.StreamConfig, metrics *monitoring.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Subscriber),
		buffer:   cfg.SubscriberBuffer,
		metrics:  metrics,
		logger:   logger.With().Str("component", "stream").Logger(),
	}
}

// AddSink registers a project-level consumer. Call during startup, before
// traffic.
func (r *Registry) AddSink(sink ProjectSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Subscribe attaches a viewer to a session. The transport label is for
// metrics only.
func (r *Registry) Subscribe(sessionID, transport string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Transport: transport,
		ch:        make(chan Message, r.buffer),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}
	subs, ok := r.sessions[sessionID]
	if !ok {
		subs = make(map[string]*Subscriber)
		r.sessions[sessionID] = subs
	}
	subs[sub.ID] = sub
	r.mu.Unlock()

	r.metrics.AddSubscribers(transport, 1)
	return sub
}

// Unsubscribe detaches the viewer and closes its channel. Safe to call
// twice; only the first call does anything. The channel close happens under
// the write lock so it cannot interleave with a Broadcast send.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	if subs, ok := r.sessions[sub.SessionID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(r.sessions, sub.SessionID)
		}
	}
	close(sub.ch)
	r.mu.Unlock()

	r.metrics.AddSubscribers(sub.Transport, -1)
}

// Broadcast delivers to every subscriber of the session and returns how many
// received it. Full buffers shed their oldest message first; the write never
// blocks the capture path. Sends stay under the read lock because channel
// closes only happen under the write lock.
func (r *Registry) Broadcast(sessionID string, msg Message) int {
	r.mu.RLock()
	delivered := 0
	for _, sub := range r.sessions[sessionID] {
		select {
		case sub.ch <- msg:
			delivered++
			continue
		default:
		}
		// Buffer full: shed the oldest queued message to make room.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
		sub.degraded.Store(true)
		r.metrics.RecordStreamDrop(msg.Type)
	}
	r.mu.RUnlock()

	if delivered > 0 {
		r.metrics.RecordStreamMessage(msg.Type)
	}
	return delivered
}

// BroadcastProject forwards to the project-level sinks (the firehose). It
// does not touch per-session subscribers.
func (r *Registry) BroadcastProject(projectID string, msg Message) {
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	for _, sink := range sinks {
		sink.Publish(projectID, msg)
	}
}

// SubscriberCount reports attached viewers for one session.
func (r *Registry) SubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Close detaches every subscriber. New Subscribe calls after Close get an
// already-closed channel.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	detached := 0
	for _, subs := range r.sessions {
		for _, sub := range subs {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
				detached++
				r.metrics.AddSubscribers(sub.Transport, -1)
			}
		}
	}
	r.sessions = make(map[string]map[string]*Subscriber)
	r.mu.Unlock()

	r.logger.Info().Int("detached", detached).Msg("stream registry closed")
}
