package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
)

// Manager is the session registry described in spec §9's design note:
// "global mutable state is confined to one Session instance per target;
// the Dispatcher holds a registry of sessions keyed by target id rather
// than a process-wide singleton." It owns the Target Registry and reuses
// an already-open Session for a target instead of re-dialing and
// re-enabling domains (§4.2's connection-reuse rule).
type Manager struct {
	registry       *Registry
	logger         *logging.Logger
	commandTimeout time.Duration

	mu             sync.Mutex
	sessions       map[string]*Session
	eventForwarder func(targetID string, ev Event)
}

// SetEventForwarder installs the §4.13 Event Bus Forwarder hook on every
// session this Manager dials from now on, including ones already open.
func (m *Manager) SetEventForwarder(forward func(targetID string, ev Event)) {
	m.mu.Lock()
	m.eventForwarder = forward
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		id := sess.TargetID
		sess.SetOnEvent(func(ev Event) { forward(id, ev) })
	}
}

// NewManager constructs a Manager against the browser's debug port.
// commandTimeout is §4.8's configured command_timeout, applied to every
// session this Manager dials.
func NewManager(browserHTTPAddr string, logger *logging.Logger, commandTimeout time.Duration) *Manager {
	return &Manager{
		registry:       NewRegistry(browserHTTPAddr),
		logger:         logger.With("session"),
		commandTimeout: commandTimeout,
		sessions:       make(map[string]*Session),
	}
}

// Registry exposes the underlying Target Registry for direct list/create/close calls.
func (m *Manager) Registry() *Registry { return m.registry }

// Bind resolves ref to a target and returns its Session, reusing an
// already-open connection when one exists for that target id.
func (m *Manager) Bind(ctx context.Context, ref string) (*Session, error) {
	target, err := m.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.sessionFor(ctx, target)
}

func (m *Manager) sessionFor(ctx context.Context, target Target) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[target.ID]; ok {
		m.mu.Unlock()
		if !sess.IsClosed() {
			return sess, nil
		}
		// The cached session's socket has already died; drop it and
		// dial fresh rather than handing back a permanently-dead Session.
		m.evict(target.ID)
	} else {
		m.mu.Unlock()
	}

	sess, err := Dial(ctx, target, m.logger, m.commandTimeout)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[target.ID] = sess
	forward := m.eventForwarder
	m.mu.Unlock()
	if forward != nil {
		id := target.ID
		sess.SetOnEvent(func(ev Event) { forward(id, ev) })
	}
	return sess, nil
}

// CloseTarget closes and evicts the session bound to targetID, if any,
// then asks the browser to close the target itself.
func (m *Manager) CloseTarget(ctx context.Context, targetID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[targetID]
	if ok {
		delete(m.sessions, targetID)
	}
	m.mu.Unlock()
	if ok {
		sess.Close()
	}
	return m.registry.Close(ctx, targetID)
}

// evict drops a session from the cache without closing the browser
// target — used when the session's own socket has already died and a
// subsequent bind should dial fresh rather than return a dead Session.
func (m *Manager) evict(targetID string) {
	m.mu.Lock()
	delete(m.sessions, targetID)
	m.mu.Unlock()
}

// Close tears down every open session. Used on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
