package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// CompileResponsePattern compiles a caller-supplied url_regex once, up
// front, per spec §9 ("compiling inside the hot path is forbidden").
func CompileResponsePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, NewError("CompileResponsePattern", KindBadPattern, err.Error())
	}
	return re, nil
}

// LifecycleEvent is the shape of Page.lifecycleEvent params.
type LifecycleEvent struct {
	FrameID   string `json:"frameId"`
	Name      string `json:"name"`
	Timestamp float64 `json:"timestamp"`
}

// WaitForLoad implements §4.5.1: it waits for the named lifecycle event
// on the main frame unless frameID is given explicitly. Before any
// main-frame navigation has been observed, an event from any frame
// matches.
func (s *Session) WaitForLoad(ctx context.Context, waitUntil string, frameID string, timeout time.Duration) (LifecycleEvent, error) {
	const op = "Session.WaitForLoad"
	wantName := "load"
	if waitUntil == "domcontentloaded" {
		wantName = "DOMContentLoaded"
	}

	want := frameID
	if want == "" {
		if mf, ok := s.MainFrameID(); ok {
			want = mf
		}
	}

	var matched LifecycleEvent
	filter := func(raw json.RawMessage) bool {
		var ev LifecycleEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return false
		}
		if ev.Name != wantName {
			return false
		}
		if want != "" && ev.FrameID != want {
			return false
		}
		matched = ev
		return true
	}

	_, err := s.WaitForEvent(ctx, "Page.lifecycleEvent", filter, timeout)
	if err != nil {
		return LifecycleEvent{}, err
	}
	_ = op
	return matched, nil
}

// NetworkIdleOptions configures WaitForNetworkIdle.
type NetworkIdleOptions struct {
	IdleMs      time.Duration
	Timeout     time.Duration
	MaxInflight int
}

type requestTypeParams struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
}

// WaitForNetworkIdle implements §4.5.2. The inflight counter and its timer
// are local to this call — concurrent invocations never share state.
func (s *Session) WaitForNetworkIdle(ctx context.Context, opts NetworkIdleOptions) error {
	const op = "Session.WaitForNetworkIdle"
	idleMs := opts.IdleMs
	if idleMs <= 0 {
		idleMs = 500 * time.Millisecond
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var mu sync.Mutex
	inflight := 0
	var timer *time.Timer
	resolved := make(chan struct{})
	var once sync.Once

	resolve := func() { once.Do(func() { close(resolved) }) }

	rearm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleMs, resolve)
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}

	unsubSent := s.Subscribe("Network.requestWillBeSent", func(ev Event) {
		var p requestTypeParams
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		if p.Type == "WebSocket" {
			return
		}
		mu.Lock()
		inflight++
		disarm()
		mu.Unlock()
	})
	defer unsubSent()

	onFinish := func(ev Event) {
		var p requestLifecycleParams
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		mu.Lock()
		if inflight > 0 {
			inflight--
		}
		if inflight <= opts.MaxInflight {
			rearm()
		}
		mu.Unlock()
	}
	unsubFinished := s.Subscribe("Network.loadingFinished", onFinish)
	defer unsubFinished()
	unsubFailed := s.Subscribe("Network.loadingFailed", onFinish)
	defer unsubFailed()

	mu.Lock()
	if inflight <= opts.MaxInflight {
		rearm()
	}
	mu.Unlock()

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	select {
	case <-resolved:
		return nil
	case <-timeoutTimer.C:
		return WrapError(op, KindTimeout, "network did not go idle", ErrTimeout)
	case <-ctx.Done():
		return WrapError(op, KindTimeout, "network did not go idle", ctx.Err())
	}
}

// ResponseMatchOptions filters wait_for_response (§4.5.3).
type ResponseMatchOptions struct {
	URLSubstring string
	URLRegex     *regexp.Regexp
	HTTPMethod   string
	Status       *int
	ResourceType string
	Timeout      time.Duration
}

// ResponseMatch is what wait_for_response resolves with.
type ResponseMatch struct {
	RequestID string
	URL       string
	Status    int
	Headers   map[string]string
}

type responseReceivedParams struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Response  struct {
		URL     string            `json:"url"`
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
	} `json:"response"`
}

// WaitForResponse implements §4.5.3. The http_method predicate is
// resolved exclusively through the State Tracker's requestWillBeSent
// registry, never from this event's own "type" field.
func (s *Session) WaitForResponse(ctx context.Context, opts ResponseMatchOptions) (ResponseMatch, error) {
	const op = "Session.WaitForResponse"
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var matched ResponseMatch
	filter := func(raw json.RawMessage) bool {
		var p responseReceivedParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return false
		}
		if opts.URLSubstring != "" && !strings.Contains(p.Response.URL, opts.URLSubstring) {
			return false
		}
		if opts.URLRegex != nil && !opts.URLRegex.MatchString(p.Response.URL) {
			return false
		}
		if opts.Status != nil && p.Response.Status != *opts.Status {
			return false
		}
		if opts.ResourceType != "" && p.Type != opts.ResourceType {
			return false
		}
		if opts.HTTPMethod != "" {
			req, ok := s.LookupNetworkRequest(p.RequestID)
			if !ok || req.HTTPMethod != opts.HTTPMethod {
				return false
			}
		}
		matched = ResponseMatch{
			RequestID: p.RequestID,
			URL:       p.Response.URL,
			Status:    p.Response.Status,
			Headers:   p.Response.Headers,
		}
		return true
	}

	if _, err := s.WaitForEvent(ctx, "Network.responseReceived", filter, timeout); err != nil {
		return ResponseMatch{}, err
	}
	_ = op
	return matched, nil
}

// DialogOptions configures WaitForDialog.
type DialogOptions struct {
	Timeout    time.Duration
	AutoHandle bool
	Accept     bool
	PromptText string
}

// DialogInfo is what wait_for_dialog resolves with (§4.5.4).
type DialogInfo struct {
	Type               string `json:"type"`
	Message            string `json:"message"`
	URL                string `json:"url"`
	DefaultPrompt      string `json:"defaultPrompt"`
	HasBrowserHandler  bool   `json:"hasBrowserHandler"`
}

// WaitForDialog implements §4.5.4.
func (s *Session) WaitForDialog(ctx context.Context, opts DialogOptions) (DialogInfo, error) {
	const op = "Session.WaitForDialog"
	var info DialogInfo
	filter := func(raw json.RawMessage) bool {
		return json.Unmarshal(raw, &info) == nil
	}

	if _, err := s.WaitForEvent(ctx, "Page.javascriptDialogOpening", filter, opts.Timeout); err != nil {
		return DialogInfo{}, err
	}

	if opts.AutoHandle {
		params := map[string]any{"accept": opts.Accept}
		if info.Type == "prompt" {
			params["promptText"] = opts.PromptText
		}
		if _, err := s.Send(ctx, "Page.handleJavaScriptDialog", params); err != nil {
			return info, WrapError(op, KindCdpError, "failed to auto-handle dialog", err)
		}
	}
	return info, nil
}

// FileChooserInfo is what wait_for_file_chooser resolves with (§4.5.5).
type FileChooserInfo struct {
	FrameID       string `json:"frameId"`
	Mode          string `json:"mode"`
	BackendNodeID int64  `json:"backendNodeId"`
}

type fileChooserOpenedParams struct {
	FrameID        string  `json:"frameId"`
	Mode           string  `json:"mode"`
	BackendNodeIDs []int64 `json:"backendNodeId"`
}

// WaitForFileChooser implements §4.5.5: intercept is enabled first, then
// the wait is installed — the actual triggering click is the caller's
// separate, subsequent action.
func (s *Session) WaitForFileChooser(ctx context.Context, timeout time.Duration) (FileChooserInfo, error) {
	const op = "Session.WaitForFileChooser"
	if _, err := s.Send(ctx, "Page.setInterceptFileChooserDialog", map[string]any{"enabled": true}); err != nil {
		return FileChooserInfo{}, WrapError(op, KindCdpError, "failed to enable file chooser interception", err)
	}

	var info FileChooserInfo
	filter := func(raw json.RawMessage) bool {
		var p struct {
			FrameID       string `json:"frameId"`
			Mode          string `json:"mode"`
			BackendNodeID int64  `json:"backendNodeId"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return false
		}
		info = FileChooserInfo{FrameID: p.FrameID, Mode: p.Mode, BackendNodeID: p.BackendNodeID}
		return true
	}

	if _, err := s.WaitForEvent(ctx, "Page.fileChooserOpened", filter, timeout); err != nil {
		return FileChooserInfo{}, err
	}
	return info, nil
}

// NodeRef is a transient DOM node handle (§3's Node Reference).
type NodeRef struct {
	NodeID            int64
	Selector          string
	DocVersionAtQuery uint64
}

// IsStale reports whether ref was issued against an earlier doc_version
// than the session's current one.
func (s *Session) IsStale(ref NodeRef) bool {
	return ref.DocVersionAtQuery < s.DocVersion()
}

// EnsureRootNode implements the lazy root-node refresh described in
// §4.5.6: if the cached root is absent, re-fetch the full document.
func (s *Session) EnsureRootNode(ctx context.Context) (int64, error) {
	const op = "Session.EnsureRootNode"
	if id, ok := s.RootNodeID(); ok {
		return id, nil
	}
	result, err := s.Send(ctx, "DOM.getDocument", map[string]any{"depth": -1, "pierce": true})
	if err != nil {
		return 0, WrapError(op, KindCdpError, "failed to fetch document", err)
	}
	var doc struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(result, &doc); err != nil {
		return 0, WrapError(op, KindInternal, "malformed DOM.getDocument result", err)
	}
	s.SetRootNodeID(doc.Root.NodeID)
	return doc.Root.NodeID, nil
}

// Query implements element_query (§4.5.6).
func (s *Session) Query(ctx context.Context, selector string, scope int64) (NodeRef, error) {
	const op = "Session.Query"
	root, err := s.EnsureRootNode(ctx)
	if err != nil {
		return NodeRef{}, err
	}
	nodeID := scope
	if nodeID == 0 {
		nodeID = root
	}
	docVersion := s.DocVersion()

	result, err := s.Send(ctx, "DOM.querySelector", map[string]any{"nodeId": nodeID, "selector": selector})
	if err != nil {
		return NodeRef{}, WrapError(op, KindCdpError, "querySelector failed", err)
	}
	var res struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return NodeRef{}, WrapError(op, KindInternal, "malformed querySelector result", err)
	}
	if res.NodeID == 0 {
		return NodeRef{}, NewError(op, KindNotFound, fmt.Sprintf("no element matched %q", selector))
	}
	return NodeRef{NodeID: res.NodeID, Selector: selector, DocVersionAtQuery: docVersion}, nil
}

// QueryAll implements element_query_all (§4.5.6).
func (s *Session) QueryAll(ctx context.Context, selector string, scope int64) ([]NodeRef, error) {
	const op = "Session.QueryAll"
	root, err := s.EnsureRootNode(ctx)
	if err != nil {
		return nil, err
	}
	nodeID := scope
	if nodeID == 0 {
		nodeID = root
	}
	docVersion := s.DocVersion()

	result, err := s.Send(ctx, "DOM.querySelectorAll", map[string]any{"nodeId": nodeID, "selector": selector})
	if err != nil {
		return nil, WrapError(op, KindCdpError, "querySelectorAll failed", err)
	}
	var res struct {
		NodeIDs []int64 `json:"nodeIds"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, WrapError(op, KindInternal, "malformed querySelectorAll result", err)
	}
	refs := make([]NodeRef, 0, len(res.NodeIDs))
	for _, id := range res.NodeIDs {
		refs = append(refs, NodeRef{NodeID: id, Selector: selector, DocVersionAtQuery: docVersion})
	}
	return refs, nil
}

// RequireFresh fails with StaleNode if ref is older than the current
// doc_version, enforcing §4.5.6's "never silently re-query" rule.
func (s *Session) RequireFresh(op string, ref NodeRef) error {
	if s.IsStale(ref) {
		return WrapError(op, KindStaleNode, fmt.Sprintf("node %d is stale (queried at doc_version %d, current %d)", ref.NodeID, ref.DocVersionAtQuery, s.DocVersion()), ErrStaleNode)
	}
	return nil
}

// Emulation pass-throughs (§4.5.7).

func (s *Session) SetDeviceMetrics(ctx context.Context, width, height int, deviceScaleFactor float64, mobile bool) error {
	_, err := s.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width": width, "height": height, "deviceScaleFactor": deviceScaleFactor, "mobile": mobile,
	})
	return wrapEmulationErr("SetDeviceMetrics", err)
}

func (s *Session) ClearDeviceMetrics(ctx context.Context) error {
	_, err := s.Send(ctx, "Emulation.clearDeviceMetricsOverride", nil)
	return wrapEmulationErr("ClearDeviceMetrics", err)
}

func (s *Session) SetTouchEmulation(ctx context.Context, enabled bool) error {
	_, err := s.Send(ctx, "Emulation.setTouchEmulationEnabled", map[string]any{"enabled": enabled})
	return wrapEmulationErr("SetTouchEmulation", err)
}

func (s *Session) SetUserAgentOverride(ctx context.Context, userAgent string) error {
	_, err := s.Send(ctx, "Emulation.setUserAgentOverride", map[string]any{"userAgent": userAgent})
	return wrapEmulationErr("SetUserAgentOverride", err)
}

func (s *Session) SetTimezoneOverride(ctx context.Context, timezoneID string) error {
	_, err := s.Send(ctx, "Emulation.setTimezoneOverride", map[string]any{"timezoneId": timezoneID})
	return wrapEmulationErr("SetTimezoneOverride", err)
}

// SetGeolocationOverride grants the geolocation permission best-effort
// (older browsers may not support Browser.grantPermissions) before
// issuing the override itself, per §4.5.7.
func (s *Session) SetGeolocationOverride(ctx context.Context, latitude, longitude, accuracy float64) error {
	_, _ = s.Send(ctx, "Browser.grantPermissions", map[string]any{"permissions": []string{"geolocation"}})
	_, err := s.Send(ctx, "Emulation.setGeolocationOverride", map[string]any{
		"latitude": latitude, "longitude": longitude, "accuracy": accuracy,
	})
	return wrapEmulationErr("SetGeolocationOverride", err)
}

func wrapEmulationErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(op, CodeOf(err), "emulation command failed", err)
}
