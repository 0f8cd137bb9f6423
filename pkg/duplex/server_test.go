package duplex

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/dispatcher"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
)

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// newTestServerMux builds the same routes Server.Start wires up, against
// an httptest.Server, so tests can drive /ws and /healthz without binding
// a real TCP listener via ListenAndServe.
func newTestServerMux(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealthz)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthzReturnsOK(t *testing.T) {
	manager := cdp.NewManager("127.0.0.1:1", testLogger(), 0)
	defer manager.Close()
	disp := dispatcher.New(manager, testLogger(), nil, 0)
	s := NewServer(":0", disp, testLogger())
	httpSrv := newTestServerMux(t, s)

	resp, err := http.Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWSRoundTripsAToolCallAndRoutesTheResponseBack(t *testing.T) {
	// tabs_context_mcp requires no bound target, only the browser's
	// discovery endpoint; a stub serving an empty target list stands in
	// for it so the call can round-trip without a live browser.
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer discovery.Close()
	manager := cdp.NewManager(discovery.Listener.Addr().String(), testLogger(), 0)
	defer manager.Close()
	disp := dispatcher.New(manager, testLogger(), nil, 0)
	// dispatcher.New registers the full §6 tool table.
	s := NewServer(":0", disp, testLogger())
	httpSrv := newTestServerMux(t, s)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	payload := ToolCallPayload{JSONRPC: "2.0", Method: "tools/call", ID: json.RawMessage(`1`)}
	payload.Params.Name = "tabs_context_mcp"
	payload.Params.Arguments = json.RawMessage(`{}`)
	payloadBytes, _ := json.Marshal(payload)
	env := Envelope{ID: "env-1", Direction: ToChrome, Timestamp: time.Now().UnixMilli(), Payload: payloadBytes}
	envBytes, _ := json.Marshal(env)

	if err := conn.Write(ctx, websocket.MessageText, envBytes); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var reply Envelope
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply envelope: %v", err)
	}
	if reply.ID != "env-1" || reply.Direction != FromChrome {
		t.Fatalf("reply envelope = %+v, want id env-1 direction from-chrome", reply)
	}

	var result ToolResultPayload
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		t.Fatalf("unmarshal tool result payload: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("unexpected tool error: %+v", result.Error)
	}
}

func TestWSIgnoresNonToChromeEnvelopes(t *testing.T) {
	manager := cdp.NewManager("127.0.0.1:1", testLogger(), 0)
	defer manager.Close()
	disp := dispatcher.New(manager, testLogger(), nil, 0)
	s := NewServer(":0", disp, testLogger())
	httpSrv := newTestServerMux(t, s)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	env := Envelope{ID: "env-2", Direction: FromChrome, Timestamp: time.Now().UnixMilli()}
	envBytes, _ := json.Marshal(env)
	if err := conn.Write(ctx, websocket.MessageText, envBytes); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// No reply should arrive; confirm the read times out rather than
	// receiving a spurious dispatch result.
	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	if err == nil {
		t.Fatal("expected no reply for a from-chrome-direction envelope sent by a client")
	}
}
