package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/telemetry"
)

const (
	// defaultCommandTimeout is used when Dial is called with a
	// non-positive timeout (e.g. a zero-value Config in a test).
	defaultCommandTimeout = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

// autoEnableDomains is the fixed order §4.2 requires: enabling Page before
// Runtime before Network before DOM matters because later setup calls
// (setLifecycleEventsEnabled) assume Page is already enabled.
var autoEnableDomains = []string{"Page", "Runtime", "Network", "DOM"}

type wireMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pendingResult struct {
	result       json.RawMessage
	err          *wireError
	disconnected bool
}

// Event is one CDP protocol event as surfaced to subscribers and stored in
// the event ring.
type Event struct {
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params"`
	TimestampMs int64           `json:"timestamp_ms"`
}

type subscription struct {
	id      uint64
	method  string // "*" for wildcard
	handler func(Event)
}

// Session exclusively owns one WebSocket to one target. All of its
// mutable fields — pending, subscribers, event ring, enabled-domain set,
// doc_version, root_node_id — are guarded by mu (network_requests by the
// networkRequestMap's own lock), since they're written by the inbound
// read loop and read/written by command callers concurrently (spec §5's
// shared-resource policy).
type Session struct {
	TargetID       string
	wsURL          string
	logger         *logging.Logger
	commandTimeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes so command order on the wire matches issue order

	mu             sync.Mutex
	nextCommandID  uint64
	pending        map[uint64]chan pendingResult
	subscribers    map[string][]subscription
	nextSubID      uint64
	eventRing      []Event
	enabledDomains map[string]bool
	closed         bool

	docVersion   uint64
	rootNodeID   *int64
	mainFrameID  string
	networkReqs  *networkRequestMap

	onEvent func(Event) // optional hook: event bus forwarder, set by caller
}

const eventRingCapacity = 1000

// SetOnEvent installs the event bus forwarder hook (§4.13): every event
// appended to the ring is also passed to hook, best-effort, after
// in-process subscribers have run.
func (s *Session) SetOnEvent(hook func(Event)) {
	s.mu.Lock()
	s.onEvent = hook
	s.mu.Unlock()
}

// Dial opens a new Session to target.WSURL and runs the default domain
// auto-enable sequence from §4.2. commandTimeout governs every Send on
// the resulting Session (§4.8's configured command_timeout); a
// non-positive value falls back to defaultCommandTimeout.
func Dial(ctx context.Context, target Target, logger *logging.Logger, commandTimeout time.Duration) (*Session, error) {
	const op = "Session.Dial"
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target.WSURL, nil)
	if err != nil {
		return nil, WrapError(op, KindBrowserUnavailable, "failed to dial target websocket", err)
	}

	s := &Session{
		TargetID:       target.ID,
		wsURL:          target.WSURL,
		logger:         logger,
		commandTimeout: commandTimeout,
		conn:           conn,
		pending:        make(map[uint64]chan pendingResult),
		subscribers:    make(map[string][]subscription),
		enabledDomains: make(map[string]bool),
		networkReqs:    newNetworkRequestMap(networkRequestCapacity),
	}

	go s.readLoop(conn)

	for _, domain := range autoEnableDomains {
		if _, err := s.Send(ctx, domain+".enable", domainEnableParams(domain)); err != nil {
			s.Close()
			return nil, WrapError(op, KindBrowserUnavailable, fmt.Sprintf("failed to enable %s domain", domain), err)
		}
		s.mu.Lock()
		s.enabledDomains[domain] = true
		s.mu.Unlock()
		s.logger.SessionDomainEnabled(target.ID, domain)
	}

	if _, err := s.Send(ctx, "Page.setLifecycleEventsEnabled", map[string]any{"enabled": true}); err != nil {
		s.Close()
		return nil, WrapError(op, KindBrowserUnavailable, "failed to enable lifecycle events", err)
	}

	activeSessions.Inc()
	s.logger.SessionOpened(target.ID)
	return s, nil
}

// domainEnableParams carries Network's buffer-size tuning from §4.2; other
// domains enable with no parameters.
func domainEnableParams(domain string) map[string]any {
	if domain != "Network" {
		return nil
	}
	return map[string]any{
		"maxResourceBufferSize": 10 * 1024 * 1024,
		"maxTotalBufferSize":    50 * 1024 * 1024,
	}
}

// Send issues one CDP command and blocks for its response, subject to the
// session's command timeout (set at Dial) and the caller's context.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	const op = "Session.Send"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, WrapError(op, KindNotConnected, method, ErrNotConnected)
	}
	s.nextCommandID++
	id := s.nextCommandID
	ch := make(chan pendingResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "cdp.send",
		telemetry.AttrCdpMethod.String(method),
		telemetry.AttrCommandID.Int64(int64(id)),
	)
	defer span.End()

	var paramsBytes json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			s.dropPending(id)
			return nil, WrapError(op, KindBadArguments, "failed to marshal params", err)
		}
		paramsBytes = b
	}

	msg := wireMessage{ID: &id, Method: method, Params: paramsBytes}
	if err := s.writeJSON(msg); err != nil {
		s.dropPending(id)
		commandErrors.WithLabelValues(string(KindNotConnected)).Inc()
		return nil, WrapError(op, KindNotConnected, method, err)
	}
	commandsSent.WithLabelValues(method).Inc()
	start := time.Now()

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		commandLatency.Observe(float64(time.Since(start).Milliseconds()))
		if res.disconnected {
			commandErrors.WithLabelValues(string(KindNotConnected)).Inc()
			return nil, WrapError(op, KindNotConnected, method, ErrNotConnected)
		}
		if res.err != nil {
			commandErrors.WithLabelValues(string(KindCdpError)).Inc()
			return nil, WrapError(op, KindCdpError, fmt.Sprintf("%s: %s", method, res.err.Message), ErrCdpProtocol)
		}
		return res.result, nil
	case <-timer.C:
		s.dropPending(id)
		commandErrors.WithLabelValues(string(KindTimeout)).Inc()
		s.logger.SessionCommandTimeout(s.TargetID, method)
		return nil, WrapError(op, KindTimeout, method, ErrTimeout)
	case <-ctx.Done():
		s.dropPending(id)
		return nil, WrapError(op, KindTimeout, method, ctx.Err())
	}
}

// IsClosed reports whether the session's socket has already gone down,
// used by the Manager to decide a cached session needs re-dialing rather
// than returning NotConnected forever.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// readLoop demultiplexes inbound frames: an id means a response, a method
// with no id means a spontaneous event. conn is captured at Dial time so
// the close-cleanup guard below only fires for the socket that is still
// the session's current one.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("cdp: failed to decode inbound frame", "target_id", s.TargetID, "error", err)
			continue
		}

		switch {
		case msg.ID != nil:
			s.mu.Lock()
			ch, ok := s.pending[*msg.ID]
			if ok {
				delete(s.pending, *msg.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- pendingResult{result: msg.Result, err: msg.Error}
			}
		case msg.Method != "":
			ev := Event{Method: msg.Method, Params: msg.Params, TimestampMs: time.Now().UnixMilli()}
			s.dispatchEvent(ev)
		}
	}
}

func (s *Session) handleClose(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.closed {
		// A stale callback from a socket that has already been superseded
		// or explicitly closed; nothing to clean up.
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.subscribers = nil
	s.eventRing = nil
	s.enabledDomains = nil
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{disconnected: true}
	}
	s.networkReqs.clear()
	activeSessions.Dec()
	s.logger.SessionClosed(s.TargetID, cause)
}

// Close tears down the session's socket and state deterministically
// rather than waiting for the next failed read. Once the session is
// closed, further calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	alreadyClosed := s.closed
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	s.handleClose(conn, nil)
	if alreadyClosed {
		return nil
	}
	return err
}

// ErrCdpProtocol is the sentinel wrapped by every CdpError; callers use
// errors.Is against it to distinguish browser-reported protocol failures
// from host-side transport failures.
var ErrCdpProtocol = fmt.Errorf("cdp: protocol error")
