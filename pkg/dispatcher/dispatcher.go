// Package dispatcher routes tool-call envelopes arriving over the duplex
// transport to handlers backed by pkg/cdp, per SPEC_FULL.md §4.6.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/telemetry"
)

// Handler is a tool implementation. session is nil when the tool does not
// require a connected target.
type Handler func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error)

// entry is one row of the tool table (§4.6: "{handler(args) → result,
// requires_connected_target: bool}").
type entry struct {
	handle           Handler
	requiresTarget   bool
}

// EnvelopeError is the structured error shape emitted on dispatch failure.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is what a dispatch resolves to, ready for the duplex transport to
// frame as the outbound envelope payload.
type Result struct {
	EnvelopeID string         `json:"envelopeId"`
	Payload    any            `json:"result,omitempty"`
	Err        *EnvelopeError `json:"error,omitempty"`
}

// AuditRecorder persists a completed dispatch. Implemented by pkg/audit's
// Store; nil here means auditing is disabled.
type AuditRecorder interface {
	Record(ctx context.Context, rec AuditRecord)
}

// AuditRecord is one completed dispatch, per §3's Dispatch Record: { envelope_id,
// client_id, tool_name, args_digest, started_at, duration_ms, outcome, error_code? }.
type AuditRecord struct {
	EnvelopeID string
	ClientID   uint64
	ToolName   string
	ArgsDigest string
	StartedAt  time.Time
	Outcome    string
	ErrorCode  string
	ElapsedMs  int64
	FinishedAt time.Time
}

// Dispatcher holds the tool table and everything a handler needs to reach
// the CDP layer for its target.
type Dispatcher struct {
	manager             *cdp.Manager
	logger              *logging.Logger
	audit               AuditRecorder
	table               map[string]entry
	defaultEventTimeout time.Duration
}

// New builds a Dispatcher with the full §6 tool table registered.
// defaultEventTimeout is §4.8's configured event_wait_default_timeout,
// used by handlers that wait on a page/network event with no explicit
// timeout_ms argument.
func New(manager *cdp.Manager, logger *logging.Logger, audit AuditRecorder, defaultEventTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		manager:             manager,
		logger:              logger.With("dispatch"),
		audit:               audit,
		table:               make(map[string]entry),
		defaultEventTimeout: defaultEventTimeout,
	}
	registerTools(d)
	return d
}

func (d *Dispatcher) register(name string, requiresTarget bool, h Handler) {
	d.table[name] = entry{handle: h, requiresTarget: requiresTarget}
}

// Dispatch runs one tool call end to end: target binding, handler
// invocation, structured error conversion, latency logging/tracing/
// metrics, and best-effort audit persistence. Handlers never see a raw
// panic reach the caller — see safeHandle.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID uint64, envelopeID string, toolName string, args json.RawMessage) Result {
	started := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "tool.dispatch",
		telemetry.AttrToolName.String(toolName),
		telemetry.AttrClientID.String(strconv.FormatUint(clientID, 10)),
	)
	defer span.End()

	e, ok := d.table[toolName]
	if !ok {
		return d.finish(ctx, clientID, envelopeID, toolName, args, started, nil,
			cdp.NewError("Dispatch", cdp.KindBadArguments, "unknown tool: "+toolName))
	}

	var session *cdp.Session
	if e.requiresTarget {
		var err error
		session, err = d.bindTarget(ctx, args)
		if err != nil {
			return d.finish(ctx, clientID, envelopeID, toolName, args, started, nil, err)
		}
	}

	payload, err := d.safeHandle(ctx, e.handle, session, args)
	return d.finish(ctx, clientID, envelopeID, toolName, args, started, payload, err)
}

// bindTarget resolves the optional tab_id argument to a bound session, or
// the first page target when omitted, per §4.6.
func (d *Dispatcher) bindTarget(ctx context.Context, args json.RawMessage) (*cdp.Session, error) {
	var tabArgs struct {
		TabID string `json:"tab_id"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &tabArgs)
	}
	return d.manager.Bind(ctx, tabArgs.TabID)
}

// safeHandle invokes a handler, converting a panic into an Internal error
// so one misbehaving tool never takes down the duplex read loop that
// called Dispatch (§4.6: "Handlers never propagate exceptions to the
// socket layer").
func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, session *cdp.Session, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cdp.NewError("Dispatch", cdp.KindInternal, "handler panicked")
		}
	}()
	return h(ctx, session, args)
}

func (d *Dispatcher) finish(ctx context.Context, clientID uint64, envelopeID, toolName string, args json.RawMessage, started time.Time, payload any, err error) Result {
	elapsed := time.Since(started)
	elapsedMs := elapsed.Milliseconds()
	dispatchLatency.WithLabelValues(toolName).Observe(float64(elapsedMs))

	if err != nil {
		code := string(cdp.CodeOf(err))
		dispatchTotal.WithLabelValues(toolName, "error").Inc()
		d.logger.ToolDispatched(toolName, clientID, elapsedMs, "error", code)
		d.recordAudit(ctx, clientID, envelopeID, toolName, args, started, "error", code, elapsedMs)
		return Result{EnvelopeID: envelopeID, Err: &EnvelopeError{Code: code, Message: err.Error()}}
	}

	dispatchTotal.WithLabelValues(toolName, "ok").Inc()
	d.logger.ToolDispatched(toolName, clientID, elapsedMs, "ok", "")
	d.recordAudit(ctx, clientID, envelopeID, toolName, args, started, "ok", "", elapsedMs)
	return Result{EnvelopeID: envelopeID, Payload: payload}
}

// argsDigest returns a short hex digest of args, used to correlate a
// dispatch record back to the call that produced it without storing the
// (possibly sensitive) argument bytes themselves.
func argsDigest(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:8])
}

func (d *Dispatcher) recordAudit(ctx context.Context, clientID uint64, envelopeID, toolName string, args json.RawMessage, started time.Time, outcome, errCode string, elapsedMs int64) {
	if d.audit == nil {
		return
	}
	d.audit.Record(ctx, AuditRecord{
		EnvelopeID: envelopeID,
		ClientID:   clientID,
		ToolName:   toolName,
		ArgsDigest: argsDigest(args),
		StartedAt:  started,
		Outcome:    outcome,
		ErrorCode:  errCode,
		ElapsedMs:  elapsedMs,
		FinishedAt: time.Now(),
	})
}
