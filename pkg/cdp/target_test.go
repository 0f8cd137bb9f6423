package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newDiscoveryServer(t *testing.T, targets []Target) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(targets)
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Target{ID: "new-target", Type: TargetPage})
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func addrOf(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

// newDiscoveryServerWithCloseHook behaves like newDiscoveryServer but
// invokes onClose whenever /json/close/<id> is hit, so tests can assert
// Manager.CloseTarget actually reaches the browser's HTTP endpoint.
func newDiscoveryServerWithCloseHook(t *testing.T, targets []Target, onClose func()) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(targets)
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		onClose()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveEmptyRefReturnsFirstPageTarget(t *testing.T) {
	targets := []Target{
		{ID: "b", Type: TargetWorker},
		{ID: "a", Type: TargetPage},
		{ID: "c", Type: TargetPage},
	}
	srv := newDiscoveryServer(t, targets)
	reg := NewRegistry(addrOf(srv))

	got, err := reg.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("Resolve(\"\") = %q, want %q (first page target in ID order)", got.ID, "a")
	}
}

func TestResolveByIndexIsStableAcrossSortOrder(t *testing.T) {
	targets := []Target{
		{ID: "c", Type: TargetPage},
		{ID: "a", Type: TargetPage},
		{ID: "worker-1", Type: TargetWorker},
		{ID: "b", Type: TargetPage},
	}
	srv := newDiscoveryServer(t, targets)
	reg := NewRegistry(addrOf(srv))

	got, err := reg.Resolve(context.Background(), "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID != "b" {
		t.Fatalf("Resolve(\"1\") = %q, want %q (second page target, sorted a,b,c)", got.ID, "b")
	}
}

func TestResolveByIndexOutOfRange(t *testing.T) {
	srv := newDiscoveryServer(t, []Target{{ID: "a", Type: TargetPage}})
	reg := NewRegistry(addrOf(srv))

	_, err := reg.Resolve(context.Background(), "5")
	if CodeOf(err) != KindIndexOutOfRange {
		t.Fatalf("Resolve() code = %v, want %v", CodeOf(err), KindIndexOutOfRange)
	}
}

func TestResolveByExactID(t *testing.T) {
	srv := newDiscoveryServer(t, []Target{{ID: "tab-42", Type: TargetPage}})
	reg := NewRegistry(addrOf(srv))

	got, err := reg.Resolve(context.Background(), "tab-42")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID != "tab-42" {
		t.Fatalf("Resolve(\"tab-42\") = %q", got.ID)
	}
}

func TestResolveUnknownIDReturnsNotFound(t *testing.T) {
	srv := newDiscoveryServer(t, []Target{{ID: "tab-42", Type: TargetPage}})
	reg := NewRegistry(addrOf(srv))

	_, err := reg.Resolve(context.Background(), "does-not-exist")
	if CodeOf(err) != KindNotFound {
		t.Fatalf("Resolve() code = %v, want %v", CodeOf(err), KindNotFound)
	}
}

func TestResolveNoPageTargetsReturnsNotFound(t *testing.T) {
	srv := newDiscoveryServer(t, []Target{{ID: "w", Type: TargetWorker}})
	reg := NewRegistry(addrOf(srv))

	_, err := reg.Resolve(context.Background(), "")
	if CodeOf(err) != KindNotFound {
		t.Fatalf("Resolve() code = %v, want %v", CodeOf(err), KindNotFound)
	}
}

func TestListIsSortedByIDRegardlessOfDiscoveryOrder(t *testing.T) {
	srv := newDiscoveryServer(t, []Target{{ID: "z"}, {ID: "a"}, {ID: "m"}})
	reg := NewRegistry(addrOf(srv))

	got, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"a", "m", "z"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("List()[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestResolveUnreachableDiscoveryEndpoint(t *testing.T) {
	reg := NewRegistry("127.0.0.1:1")
	_, err := reg.Resolve(context.Background(), "")
	if CodeOf(err) != KindBrowserUnavailable {
		t.Fatalf("Resolve() code = %v, want %v", CodeOf(err), KindBrowserUnavailable)
	}
}

func TestCreateAndClose(t *testing.T) {
	srv := newDiscoveryServer(t, nil)
	reg := NewRegistry(addrOf(srv))

	target, err := reg.Create(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if target.ID != "new-target" {
		t.Fatalf("Create().ID = %q", target.ID)
	}
	if err := reg.Close(context.Background(), target.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
