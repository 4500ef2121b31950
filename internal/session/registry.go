// Package session tracks live agent sessions so the supervisor can steer
// them mid-flight. A session is registered when its transport attaches and
// unregistered when the task completes or the connection drops.
package session

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/taskfleet/warden/internal/detector"
)

// IsContextOverflowError reports whether an error-like value is a
// context/token overflow. Session owners use it to decide between
// resuming a session and abandoning it, against the same pattern table
// the supervisor classifies with.
var IsContextOverflowError = detector.IsContextOverflowError

// Transport delivers guidance text to a live agent session.
type Transport interface {
	SendGuidance(text string) error
	Close() error
}

// Session is one live, steerable agent session.
type Session struct {
	TaskID       string    `json:"task_id"`
	RegisteredAt time.Time `json:"registered_at"`

	transport Transport
}

// Registry maps task ids to their live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register attaches a transport for the task. An existing session for the
// same task is closed and replaced; the newest connection wins.
func (r *Registry) Register(taskID string, t Transport) {
	r.mu.Lock()
	prev := r.sessions[taskID]
	r.sessions[taskID] = &Session{
		TaskID:       taskID,
		RegisteredAt: r.now(),
		transport:    t,
	}
	r.mu.Unlock()

	if prev != nil && prev.transport != nil {
		if err := prev.transport.Close(); err != nil {
			log.Debugf("session: closing replaced transport for %s: %v", taskID, err)
		}
	}
	log.Infof("session: registered %s", taskID)
}

// Unregister removes the task's session and closes its transport. Safe to
// call for unknown tasks.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	sess, ok := r.sessions[taskID]
	delete(r.sessions, taskID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if sess.transport != nil {
		if err := sess.transport.Close(); err != nil {
			log.Debugf("session: closing transport for %s: %v", taskID, err)
		}
	}
	log.Infof("session: unregistered %s", taskID)
}

// UnregisterIf removes the task's session only when its transport is t.
// Cleanup paths that may run after their connection was replaced (the
// attach drain goroutine) use it so they never tear down a newer session.
func (r *Registry) UnregisterIf(taskID string, t Transport) {
	r.mu.Lock()
	sess, ok := r.sessions[taskID]
	if !ok || sess.transport != t {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, taskID)
	r.mu.Unlock()

	if sess.transport != nil {
		if err := sess.transport.Close(); err != nil {
			log.Debugf("session: closing transport for %s: %v", taskID, err)
		}
	}
	log.Infof("session: unregistered %s", taskID)
}

// Has reports whether a live session exists for the task.
func (r *Registry) Has(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[taskID]
	return ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Steer delivers guidance text to the task's live session. Returns false
// when no session exists or delivery fails; a failed delivery unregisters
// the session since its transport is no longer trustworthy.
func (r *Registry) Steer(taskID, text string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[taskID]
	r.mu.Unlock()

	if !ok || sess.transport == nil {
		return false
	}
	if err := sess.transport.SendGuidance(text); err != nil {
		log.Warnf("session: steering %s failed: %v", taskID, err)
		r.Unregister(taskID)
		return false
	}
	log.Infof("session: steered %s (%d chars)", taskID, len(text))
	return true
}

// Snapshot returns the live sessions sorted by task id.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Session{TaskID: s.TaskID, RegisteredAt: s.RegisteredAt})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// CloseAll unregisters every session. Called on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}
