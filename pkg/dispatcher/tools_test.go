package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
)

// newFakeSession dials a throwaway CDP session against an in-process
// WebSocket server that acknowledges every command with an empty result,
// grounded on dispatcher_test.go's fakeBrowser target handler — enough to
// exercise a handler's Send calls without a real browser.
func newFakeSession(t *testing.T) *cdp.Session {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools", func(w http.ResponseWriter, r *http.Request) {
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
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := cdp.Dial(ctx, cdp.Target{ID: "t1", WSURL: wsURL}, testLogger(), 5*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestTranslateUploadPath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"mnt drive with tail", "/mnt/c/Users/me/file.txt", `C:\Users\me\file.txt`},
		{"mnt drive no tail", "/mnt/d", `D:\`},
		{"mnt drive root slash", "/mnt/e/", `E:\`},
		{"not an mnt path", "/home/me/file.txt", "/home/me/file.txt"},
		{"malformed mnt path", "/mnt/", "/mnt/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := translateUploadPath(tc.in); got != tc.want {
				t.Errorf("translateUploadPath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestHandleComputerUnknownActionReturnsBadArguments(t *testing.T) {
	_, err := handleComputer(context.Background(), nil, json.RawMessage(`{"action":"bogus"}`))
	if cdp.CodeOf(err) != cdp.KindBadArguments {
		t.Fatalf("handleComputer() code = %v, want %v", cdp.CodeOf(err), cdp.KindBadArguments)
	}
}

func TestHandleComputerWaitActionDoesNotRequireASession(t *testing.T) {
	// The wait action never touches the session, so it must tolerate a nil
	// one rather than panic.
	result, err := handleComputer(context.Background(), nil, json.RawMessage(`{"action":"wait","wait_ms":5}`))
	if err != nil {
		t.Fatalf("handleComputer() error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("handleComputer() result = %+v, want ok:true", result)
	}
}

func TestHandleComputerWaitActionRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handleComputer(ctx, nil, json.RawMessage(`{"action":"wait","wait_ms":5000}`))
	if err == nil {
		t.Fatal("expected handleComputer to return an error for a cancelled context")
	}
}

func TestHandleComputerLeftClickSendsMouseEvents(t *testing.T) {
	sess := newFakeSession(t)
	result, err := handleComputer(context.Background(), sess, json.RawMessage(`{"action":"left_click","x":10,"y":20}`))
	if err != nil {
		t.Fatalf("handleComputer() error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("handleComputer() result = %+v, want ok:true", result)
	}
}

func TestPageReloadHandlerSendsPageReload(t *testing.T) {
	d := New(nil, testLogger(), nil, time.Second)
	sess := newFakeSession(t)

	entry, ok := d.table["page_reload"]
	if !ok {
		t.Fatal("expected page_reload to be registered")
	}
	result, err := entry.handle(context.Background(), sess, json.RawMessage(`{"ignore_cache":true}`))
	if err != nil {
		t.Fatalf("page_reload handler error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("page_reload handler result = %+v, want ok:true", result)
	}
}

func TestDialogHandleHandlerSendsPageHandleDialog(t *testing.T) {
	d := New(nil, testLogger(), nil, time.Second)
	sess := newFakeSession(t)

	entry, ok := d.table["dialog_handle"]
	if !ok {
		t.Fatal("expected dialog_handle to be registered")
	}
	result, err := entry.handle(context.Background(), sess, json.RawMessage(`{"accept":true,"prompt_text":"hi"}`))
	if err != nil {
		t.Fatalf("dialog_handle handler error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("dialog_handle handler result = %+v, want ok:true", result)
	}
}

func TestFileUploadHandlerTranslatesPaths(t *testing.T) {
	d := New(nil, testLogger(), nil, time.Second)
	sess := newFakeSession(t)

	entry, ok := d.table["file_upload"]
	if !ok {
		t.Fatal("expected file_upload to be registered")
	}
	result, err := entry.handle(context.Background(), sess, json.RawMessage(`{"files":["/mnt/c/tmp/a.txt"],"node_id":5}`))
	if err != nil {
		t.Fatalf("file_upload handler error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("file_upload handler result = %+v, want ok:true", result)
	}
}

func TestFileUploadHandlerRequiresANodeReference(t *testing.T) {
	d := New(nil, testLogger(), nil, time.Second)
	sess := newFakeSession(t)

	entry := d.table["file_upload"]
	_, err := entry.handle(context.Background(), sess, json.RawMessage(`{"files":["/tmp/a.txt"]}`))
	if cdp.CodeOf(err) != cdp.KindBadArguments {
		t.Fatalf("file_upload handler code = %v, want %v", cdp.CodeOf(err), cdp.KindBadArguments)
	}
}
