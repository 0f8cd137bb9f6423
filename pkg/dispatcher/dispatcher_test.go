package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
)

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type fakeAuditRecorder struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (f *fakeAuditRecorder) Record(_ context.Context, rec AuditRecord) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
}

func newTestDispatcher(t *testing.T, audit AuditRecorder) *Dispatcher {
	t.Helper()
	manager := cdp.NewManager("127.0.0.1:1", testLogger(), 5*time.Second)
	t.Cleanup(manager.Close)
	return &Dispatcher{
		manager:             manager,
		logger:              testLogger().With("dispatch"),
		audit:               audit,
		table:               make(map[string]entry),
		defaultEventTimeout: 5 * time.Second,
	}
}

func TestDispatchUnknownToolReturnsBadArguments(t *testing.T) {
	d := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), 1, "env-1", "does_not_exist", nil)
	if res.Err == nil || res.Err.Code != string(cdp.KindBadArguments) {
		t.Fatalf("Dispatch() = %+v, want BadArguments error", res)
	}
}

func TestDispatchSkipsTargetBindingWhenNotRequired(t *testing.T) {
	d := newTestDispatcher(t, nil)
	called := false
	d.register("no_target_tool", false, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		called = true
		if session != nil {
			t.Error("expected nil session for a tool that does not require a target")
		}
		return "ok", nil
	})

	res := d.Dispatch(context.Background(), 1, "env-1", "no_target_tool", nil)
	if !called {
		t.Fatal("expected handler to be invoked")
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %+v", res.Err)
	}
	if res.Payload != "ok" {
		t.Fatalf("Payload = %v, want ok", res.Payload)
	}
}

func TestDispatchTargetBindingFailureShortCircuitsHandler(t *testing.T) {
	d := newTestDispatcher(t, nil)
	called := false
	d.register("needs_target", true, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	res := d.Dispatch(context.Background(), 1, "env-1", "needs_target", nil)
	if called {
		t.Fatal("expected handler not to run when target binding fails")
	}
	if res.Err == nil {
		t.Fatal("expected a binding error")
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	d := newTestDispatcher(t, nil)
	d.register("panics", false, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		panic("boom")
	})

	res := d.Dispatch(context.Background(), 1, "env-1", "panics", nil)
	if res.Err == nil || res.Err.Code != string(cdp.KindInternal) {
		t.Fatalf("Dispatch() = %+v, want Internal error from recovered panic", res)
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	d := newTestDispatcher(t, nil)
	d.register("fails", false, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		return nil, cdp.NewError("fails", cdp.KindNotFound, "nope")
	})

	res := d.Dispatch(context.Background(), 1, "env-1", "fails", nil)
	if res.Err == nil || res.Err.Code != string(cdp.KindNotFound) {
		t.Fatalf("Dispatch() = %+v, want NotFound error", res)
	}
}

func TestDispatchRecordsAuditOnSuccessAndFailure(t *testing.T) {
	audit := &fakeAuditRecorder{}
	d := newTestDispatcher(t, audit)
	d.register("ok_tool", false, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		return "done", nil
	})
	d.register("bad_tool", false, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		return nil, errors.New("unclassified failure")
	})

	d.Dispatch(context.Background(), 7, "env-a", "ok_tool", nil)
	d.Dispatch(context.Background(), 7, "env-b", "bad_tool", nil)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.records) != 2 {
		t.Fatalf("records = %d, want 2", len(audit.records))
	}
	if audit.records[0].Outcome != "ok" || audit.records[1].Outcome != "error" {
		t.Fatalf("unexpected outcomes: %+v", audit.records)
	}
	if audit.records[1].ErrorCode != string(cdp.KindInternal) {
		t.Fatalf("unclassified error should default to Internal, got %q", audit.records[1].ErrorCode)
	}
}

func TestDispatchEnvelopeIDIsPreservedOnResult(t *testing.T) {
	d := newTestDispatcher(t, nil)
	d.register("echo", false, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		return nil, nil
	})

	res := d.Dispatch(context.Background(), 1, "env-xyz", "echo", nil)
	if res.EnvelopeID != "env-xyz" {
		t.Fatalf("EnvelopeID = %q, want env-xyz", res.EnvelopeID)
	}
}

// --- target-binding integration against a real (fake) CDP browser ---

type fakeBrowser struct {
	discovery *httptest.Server
	target    *httptest.Server
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	targetMux := http.NewServeMux()
	targetMux.HandleFunc("/devtools", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg struct {
				ID *uint64 `json:"id"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.ID == nil {
				continue
			}
			conn.WriteJSON(map[string]any{"id": *msg.ID, "result": map[string]any{}})
		}
	})
	target := httptest.NewServer(targetMux)
	t.Cleanup(target.Close)

	wsURL := "ws" + strings.TrimPrefix(target.URL, "http") + "/devtools"
	discoveryMux := http.NewServeMux()
	discoveryMux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "t1", "type": "page", "webSocketDebuggerUrl": wsURL},
		})
	})
	discovery := httptest.NewServer(discoveryMux)
	t.Cleanup(discovery.Close)

	return &fakeBrowser{discovery: discovery, target: target}
}

func (f *fakeBrowser) addr() string {
	return f.discovery.Listener.Addr().String()
}

func TestDispatchBindsTargetAndPassesSessionToHandler(t *testing.T) {
	browser := newFakeBrowser(t)
	manager := cdp.NewManager(browser.addr(), testLogger(), 5*time.Second)
	t.Cleanup(manager.Close)

	d := &Dispatcher{
		manager:             manager,
		logger:              testLogger().With("dispatch"),
		table:               make(map[string]entry),
		defaultEventTimeout: 5 * time.Second,
	}
	var gotSession *cdp.Session
	d.register("needs_target", true, func(ctx context.Context, session *cdp.Session, args json.RawMessage) (any, error) {
		gotSession = session
		return "ok", nil
	})

	res := d.Dispatch(context.Background(), 1, "env-1", "needs_target", nil)
	if res.Err != nil {
		t.Fatalf("unexpected error: %+v", res.Err)
	}
	if gotSession == nil {
		t.Fatal("expected handler to receive a bound session")
	}
}
