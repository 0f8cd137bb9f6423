package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// TargetType mirrors the CDP discovery endpoint's "type" field.
type TargetType string

const (
	TargetPage   TargetType = "page"
	TargetWorker TargetType = "worker"
	TargetOther  TargetType = "other"
)

// Target is one debuggable entity the browser's HTTP discovery endpoint
// reports — almost always a tab.
type Target struct {
	ID    string     `json:"id"`
	Type  TargetType `json:"type"`
	Title string     `json:"title"`
	URL   string     `json:"url"`
	WSURL string     `json:"webSocketDebuggerUrl"`
}

const discoveryTimeout = 5 * time.Second

// Registry resolves caller-supplied target references against the
// browser's HTTP discovery endpoint. It holds no long-lived state of its
// own; Target lists are always fetched fresh and sorted deterministically
// so that numeric references stay stable across calls even though the
// browser documents /json/list as unordered.
type Registry struct {
	httpAddr string // host:port of the browser's debugging endpoint
	client   *http.Client
}

// NewRegistry constructs a Registry against the browser's debug port.
func NewRegistry(httpAddr string) *Registry {
	return &Registry{
		httpAddr: httpAddr,
		client:   &http.Client{Timeout: discoveryTimeout},
	}
}

// List enumerates targets, stably sorted by ID ascending.
func (r *Registry) List(ctx context.Context) ([]Target, error) {
	const op = "Registry.List"
	var targets []Target
	if err := r.getJSON(ctx, "/json/list", &targets); err != nil {
		discoveryFailures.Inc()
		return nil, WrapError(op, KindBrowserUnavailable, "discovery endpoint unreachable", err)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

// Resolve maps a caller-supplied reference to a concrete Target.
//
//   - ref == ""  -> first page-typed target
//   - ref is an integer string -> k-th page-typed target (0-indexed) in sort order
//   - otherwise  -> target whose ID exactly matches ref
func (r *Registry) Resolve(ctx context.Context, ref string) (Target, error) {
	const op = "Registry.Resolve"
	targets, err := r.List(ctx)
	if err != nil {
		return Target{}, err
	}

	if ref == "" {
		for _, t := range targets {
			if t.Type == TargetPage {
				return t, nil
			}
		}
		return Target{}, NewError(op, KindNotFound, "no page target available")
	}

	if idx, convErr := strconv.Atoi(ref); convErr == nil {
		pages := pageTargets(targets)
		if idx < 0 || idx >= len(pages) {
			return Target{}, NewError(op, KindIndexOutOfRange,
				fmt.Sprintf("target index %d out of range (have %d page targets)", idx, len(pages)))
		}
		return pages[idx], nil
	}

	for _, t := range targets {
		if t.ID == ref {
			return t, nil
		}
	}
	return Target{}, NewError(op, KindNotFound, fmt.Sprintf("no target with id %q", ref))
}

// Create asks the browser to open a new tab, optionally navigating it.
func (r *Registry) Create(ctx context.Context, targetURL string) (Target, error) {
	const op = "Registry.Create"
	path := "/json/new"
	if targetURL != "" {
		// Chrome's /json/new endpoint takes the target URL as the literal
		// remainder of the path/query, not a percent-encoded value.
		path += "?" + targetURL
	}
	var t Target
	if err := r.putJSON(ctx, path, &t); err != nil {
		return Target{}, WrapError(op, KindBrowserUnavailable, "failed to create target", err)
	}
	return t, nil
}

// Close asks the browser to close the target with the given id.
func (r *Registry) Close(ctx context.Context, id string) error {
	const op = "Registry.Close"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("/json/close/"+id), nil)
	if err != nil {
		return WrapError(op, KindInternal, "failed to build request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return WrapError(op, KindBrowserUnavailable, "failed to reach discovery endpoint", err)
	}
	defer resp.Body.Close()
	return nil
}

func pageTargets(targets []Target) []Target {
	pages := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Type == TargetPage {
			pages = append(pages, t)
		}
	}
	return pages
}

func (r *Registry) endpoint(path string) string {
	return fmt.Sprintf("http://%s%s", r.httpAddr, path)
}

func (r *Registry) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(path), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Registry) putJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.endpoint(path), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
