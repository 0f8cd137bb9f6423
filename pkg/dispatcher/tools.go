package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
)

// decodeArgs unmarshals a tool call's argument object, surfacing malformed
// arguments as BadArguments per §7's taxonomy. Empty arguments decode to
// nothing; checks for required fields are left to each handler.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return cdp.WrapError("decodeArgs", cdp.KindBadArguments, "malformed tool arguments", err)
	}
	return nil
}

func durationMs(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func nodeRefFrom(raw json.RawMessage) (cdp.NodeRef, error) {
	var a struct {
		NodeID            int64  `json:"node_id"`
		Selector          string `json:"selector"`
		DocVersionAtQuery uint64 `json:"doc_version_at_query"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return cdp.NodeRef{}, err
	}
	if a.NodeID == 0 {
		return cdp.NodeRef{}, cdp.NewError("nodeRefFrom", cdp.KindBadArguments, "node_id is required")
	}
	return cdp.NodeRef{NodeID: a.NodeID, Selector: a.Selector, DocVersionAtQuery: a.DocVersionAtQuery}, nil
}

// translateUploadPath rewrites a POSIX /mnt/<drive>/... path to the host
// drive letter form, per §6's "Path translation". Other paths pass
// through unchanged.
func translateUploadPath(p string) string {
	const prefix = "/mnt/"
	if !strings.HasPrefix(p, prefix) {
		return p
	}
	rest := p[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || len(parts[0]) != 1 {
		return p
	}
	drive := strings.ToUpper(parts[0])
	tail := ""
	if len(parts) == 2 {
		tail = strings.ReplaceAll(parts[1], "/", `\`)
	}
	return fmt.Sprintf(`%s:\%s`, drive, tail)
}

func registerTools(d *Dispatcher) {
	registerNavigationTools(d)
	registerNetworkTools(d)
	registerDOMTools(d)
	registerInputTools(d)
	registerDialogFileTools(d)
	registerEmulationTools(d)
	registerObservabilityTools(d)
	registerTabTools(d)
}

func registerNavigationTools(d *Dispatcher) {
	d.register("navigate", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			URL       string `json:"url"`
			WaitUntil string `json:"wait_until"`
			TimeoutMs int    `json:"timeout_ms"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if a.URL == "" {
			return nil, cdp.NewError("navigate", cdp.KindBadArguments, "url is required")
		}
		result, err := s.Send(ctx, "Page.navigate", map[string]any{"url": a.URL})
		if err != nil {
			return nil, cdp.WrapError("navigate", cdp.CodeOf(err), "Page.navigate failed", err)
		}
		if a.WaitUntil != "" {
			if _, err := s.WaitForLoad(ctx, a.WaitUntil, "", durationMs(a.TimeoutMs, d.defaultEventTimeout)); err != nil {
				return nil, err
			}
		}
		return rawResult(result)
	})

	d.register("page_reload", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			IgnoreCache bool `json:"ignore_cache"`
		}
		_ = decodeArgs(raw, &a)
		if _, err := s.Send(ctx, "Page.reload", map[string]any{"ignoreCache": a.IgnoreCache}); err != nil {
			return nil, cdp.WrapError("page_reload", cdp.CodeOf(err), "Page.reload failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("page_wait_for_load", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			WaitUntil string `json:"wait_until"`
			FrameID   string `json:"frame_id"`
			TimeoutMs int    `json:"timeout_ms"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if a.WaitUntil == "" {
			a.WaitUntil = "load"
		}
		return s.WaitForLoad(ctx, a.WaitUntil, a.FrameID, durationMs(a.TimeoutMs, d.defaultEventTimeout))
	})

	d.register("page_wait_for_network_idle", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			IdleMs      int `json:"idle_ms"`
			TimeoutMs   int `json:"timeout_ms"`
			MaxInflight int `json:"max_inflight"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		opts := cdp.NetworkIdleOptions{
			IdleMs:      durationMs(a.IdleMs, 500*time.Millisecond),
			Timeout:     durationMs(a.TimeoutMs, d.defaultEventTimeout),
			MaxInflight: a.MaxInflight,
		}
		if err := s.WaitForNetworkIdle(ctx, opts); err != nil {
			return nil, err
		}
		return map[string]any{"idle": true}, nil
	})

	d.register("page_layout_metrics", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		result, err := s.Send(ctx, "Page.getLayoutMetrics", nil)
		if err != nil {
			return nil, cdp.WrapError("page_layout_metrics", cdp.CodeOf(err), "Page.getLayoutMetrics failed", err)
		}
		return rawResult(result)
	})
}

func registerNetworkTools(d *Dispatcher) {
	d.register("cookies_get", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			URLs []string `json:"urls"`
		}
		_ = decodeArgs(raw, &a)
		params := map[string]any{}
		if len(a.URLs) > 0 {
			params["urls"] = a.URLs
		}
		result, err := s.Send(ctx, "Network.getCookies", params)
		if err != nil {
			return nil, cdp.WrapError("cookies_get", cdp.CodeOf(err), "Network.getCookies failed", err)
		}
		return rawResult(result)
	})

	d.register("cookies_set", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Cookies []map[string]any `json:"cookies"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if _, err := s.Send(ctx, "Network.setCookies", map[string]any{"cookies": a.Cookies}); err != nil {
			return nil, cdp.WrapError("cookies_set", cdp.CodeOf(err), "Network.setCookies failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("cookies_delete", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Name   string `json:"name"`
			URL    string `json:"url"`
			Domain string `json:"domain"`
			Path   string `json:"path"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		params := map[string]any{"name": a.Name}
		if a.URL != "" {
			params["url"] = a.URL
		}
		if a.Domain != "" {
			params["domain"] = a.Domain
		}
		if a.Path != "" {
			params["path"] = a.Path
		}
		if _, err := s.Send(ctx, "Network.deleteCookies", params); err != nil {
			return nil, cdp.WrapError("cookies_delete", cdp.CodeOf(err), "Network.deleteCookies failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("cookies_clear", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		if _, err := s.Send(ctx, "Network.clearBrowserCookies", nil); err != nil {
			return nil, cdp.WrapError("cookies_clear", cdp.CodeOf(err), "Network.clearBrowserCookies failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	// network_headers({}) clears prior headers rather than being a no-op —
	// the Open Question in spec.md §9 is resolved explicitly this way so
	// a caller can reset overrides without a separate clear tool.
	d.register("network_headers", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Headers map[string]string `json:"headers"`
		}
		_ = decodeArgs(raw, &a)
		if a.Headers == nil {
			a.Headers = map[string]string{}
		}
		if _, err := s.Send(ctx, "Network.setExtraHTTPHeaders", map[string]any{"headers": a.Headers}); err != nil {
			return nil, cdp.WrapError("network_headers", cdp.CodeOf(err), "Network.setExtraHTTPHeaders failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("network_cache", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if _, err := s.Send(ctx, "Network.setCacheDisabled", map[string]any{"cacheDisabled": !a.Enabled}); err != nil {
			return nil, cdp.WrapError("network_cache", cdp.CodeOf(err), "Network.setCacheDisabled failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("network_block", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			URLs []string `json:"urls"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if _, err := s.Send(ctx, "Network.setBlockedURLs", map[string]any{"urls": a.URLs}); err != nil {
			return nil, cdp.WrapError("network_block", cdp.CodeOf(err), "Network.setBlockedURLs failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("network_wait_for_response", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			URLSubstring string `json:"url_substring"`
			URLRegex     string `json:"url_regex"`
			HTTPMethod   string `json:"http_method"`
			Status       *int   `json:"status"`
			ResourceType string `json:"resource_type"`
			TimeoutMs    int    `json:"timeout_ms"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		re, err := cdp.CompileResponsePattern(a.URLRegex)
		if err != nil {
			return nil, err
		}
		return s.WaitForResponse(ctx, cdp.ResponseMatchOptions{
			URLSubstring: a.URLSubstring,
			URLRegex:     re,
			HTTPMethod:   a.HTTPMethod,
			Status:       a.Status,
			ResourceType: a.ResourceType,
			Timeout:      durationMs(a.TimeoutMs, d.defaultEventTimeout),
		})
	})
}

func registerDOMTools(d *Dispatcher) {
	d.register("element_query", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Selector    string `json:"selector"`
			ScopeNodeID int64  `json:"scope_node_id"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return s.Query(ctx, a.Selector, a.ScopeNodeID)
	})

	d.register("element_query_all", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Selector    string `json:"selector"`
			ScopeNodeID int64  `json:"scope_node_id"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return s.QueryAll(ctx, a.Selector, a.ScopeNodeID)
	})

	d.register("element_scroll_into_view", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		ref, err := nodeRefFrom(raw)
		if err != nil {
			return nil, err
		}
		if err := s.RequireFresh("element_scroll_into_view", ref); err != nil {
			return nil, err
		}
		if _, err := s.Send(ctx, "DOM.scrollIntoViewIfNeeded", map[string]any{"nodeId": ref.NodeID}); err != nil {
			return nil, cdp.WrapError("element_scroll_into_view", cdp.CodeOf(err), "DOM.scrollIntoViewIfNeeded failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("element_box_model", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		ref, err := nodeRefFrom(raw)
		if err != nil {
			return nil, err
		}
		if err := s.RequireFresh("element_box_model", ref); err != nil {
			return nil, err
		}
		result, err := s.Send(ctx, "DOM.getBoxModel", map[string]any{"nodeId": ref.NodeID})
		if err != nil {
			return nil, cdp.WrapError("element_box_model", cdp.CodeOf(err), "DOM.getBoxModel failed", err)
		}
		return rawResult(result)
	})

	d.register("element_focus", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		ref, err := nodeRefFrom(raw)
		if err != nil {
			return nil, err
		}
		if err := s.RequireFresh("element_focus", ref); err != nil {
			return nil, err
		}
		if _, err := s.Send(ctx, "DOM.focus", map[string]any{"nodeId": ref.NodeID}); err != nil {
			return nil, cdp.WrapError("element_focus", cdp.CodeOf(err), "DOM.focus failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("element_html", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		ref, err := nodeRefFrom(raw)
		if err != nil {
			return nil, err
		}
		if err := s.RequireFresh("element_html", ref); err != nil {
			return nil, err
		}
		result, err := s.Send(ctx, "DOM.getOuterHTML", map[string]any{"nodeId": ref.NodeID})
		if err != nil {
			return nil, cdp.WrapError("element_html", cdp.CodeOf(err), "DOM.getOuterHTML failed", err)
		}
		return rawResult(result)
	})
}

func registerInputTools(d *Dispatcher) {
	d.register("computer", true, handleComputer)

	d.register("find", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Text string `json:"text"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		expr := fmt.Sprintf(
			`Array.from(document.querySelectorAll('*')).filter(e => e.childElementCount===0 && e.textContent && e.textContent.includes(%s)).length`,
			strconv.Quote(a.Text))
		result, err := s.Send(ctx, "Runtime.evaluate", map[string]any{"expression": expr, "returnByValue": true})
		if err != nil {
			return nil, cdp.WrapError("find", cdp.CodeOf(err), "Runtime.evaluate failed", err)
		}
		return rawResult(result)
	})

	d.register("form_input", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			NodeID            int64  `json:"node_id"`
			DocVersionAtQuery uint64 `json:"doc_version_at_query"`
			Value             string `json:"value"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		ref := cdp.NodeRef{NodeID: a.NodeID, DocVersionAtQuery: a.DocVersionAtQuery}
		if err := s.RequireFresh("form_input", ref); err != nil {
			return nil, err
		}
		if _, err := s.Send(ctx, "DOM.focus", map[string]any{"nodeId": a.NodeID}); err != nil {
			return nil, cdp.WrapError("form_input", cdp.CodeOf(err), "DOM.focus failed", err)
		}
		if _, err := s.Send(ctx, "Input.insertText", map[string]any{"text": a.Value}); err != nil {
			return nil, cdp.WrapError("form_input", cdp.CodeOf(err), "Input.insertText failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("get_page_text", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		result, err := s.Send(ctx, "Runtime.evaluate", map[string]any{
			"expression": "document.body ? document.body.innerText : ''", "returnByValue": true,
		})
		if err != nil {
			return nil, cdp.WrapError("get_page_text", cdp.CodeOf(err), "Runtime.evaluate failed", err)
		}
		return rawResult(result)
	})

	d.register("javascript_tool", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Expression string `json:"expression"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if a.Expression == "" {
			return nil, cdp.NewError("javascript_tool", cdp.KindBadArguments, "expression is required")
		}
		result, err := s.Send(ctx, "Runtime.evaluate", map[string]any{
			"expression": a.Expression, "returnByValue": true, "awaitPromise": true,
		})
		if err != nil {
			return nil, cdp.WrapError("javascript_tool", cdp.CodeOf(err), "Runtime.evaluate failed", err)
		}
		return rawResult(result)
	})
}

// handleComputer dispatches the computer tool's action enum to the
// matching Input.* / Page.* CDP commands (§6).
func handleComputer(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
	var a struct {
		Action string `json:"action"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
		Text   string `json:"text"`
		Key    string `json:"key"`
		DeltaX int    `json:"delta_x"`
		DeltaY int    `json:"delta_y"`
		WaitMs int    `json:"wait_ms"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}

	switch a.Action {
	case "screenshot":
		result, err := s.Send(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
		if err != nil {
			return nil, cdp.WrapError("computer.screenshot", cdp.CodeOf(err), "Page.captureScreenshot failed", err)
		}
		var shot struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(result, &shot); err != nil {
			return nil, cdp.WrapError("computer.screenshot", cdp.KindInternal, "malformed screenshot result", err)
		}
		// Binary payload routing: image bytes travel as base64 with a
		// media type tag, per §4.6. shot.Data is already base64 from
		// CDP, so it is forwarded unchanged rather than re-encoded.
		return map[string]any{"type": "image", "data": shot.Data, "media_type": "image/png"}, nil

	case "left_click", "double_click":
		clickCount := 1
		if a.Action == "double_click" {
			clickCount = 2
		}
		for _, t := range []string{"mousePressed", "mouseReleased"} {
			if _, err := s.Send(ctx, "Input.dispatchMouseEvent", map[string]any{
				"type": t, "x": a.X, "y": a.Y, "button": "left", "clickCount": clickCount,
			}); err != nil {
				return nil, cdp.WrapError("computer."+a.Action, cdp.CodeOf(err), "Input.dispatchMouseEvent failed", err)
			}
		}
		return map[string]any{"ok": true}, nil

	case "type":
		if _, err := s.Send(ctx, "Input.insertText", map[string]any{"text": a.Text}); err != nil {
			return nil, cdp.WrapError("computer.type", cdp.CodeOf(err), "Input.insertText failed", err)
		}
		return map[string]any{"ok": true}, nil

	case "key":
		for _, t := range []string{"keyDown", "keyUp"} {
			if _, err := s.Send(ctx, "Input.dispatchKeyEvent", map[string]any{"type": t, "key": a.Key}); err != nil {
				return nil, cdp.WrapError("computer.key", cdp.CodeOf(err), "Input.dispatchKeyEvent failed", err)
			}
		}
		return map[string]any{"ok": true}, nil

	case "scroll":
		if _, err := s.Send(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mouseWheel", "x": a.X, "y": a.Y, "deltaX": a.DeltaX, "deltaY": a.DeltaY,
		}); err != nil {
			return nil, cdp.WrapError("computer.scroll", cdp.CodeOf(err), "Input.dispatchMouseEvent failed", err)
		}
		return map[string]any{"ok": true}, nil

	case "wait":
		timer := time.NewTimer(durationMs(a.WaitMs, time.Second))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, cdp.NewError("computer", cdp.KindBadArguments, "unknown action: "+a.Action)
	}
}

func registerDialogFileTools(d *Dispatcher) {
	d.register("dialog_handle", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Accept     bool   `json:"accept"`
			PromptText string `json:"prompt_text"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		params := map[string]any{"accept": a.Accept}
		if a.PromptText != "" {
			params["promptText"] = a.PromptText
		}
		if _, err := s.Send(ctx, "Page.handleJavaScriptDialog", params); err != nil {
			return nil, cdp.WrapError("dialog_handle", cdp.CodeOf(err), "Page.handleJavaScriptDialog failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("dialog_wait", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			TimeoutMs  int    `json:"timeout_ms"`
			AutoHandle bool   `json:"auto_handle"`
			Action     string `json:"action"`
			PromptText string `json:"prompt_text"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return s.WaitForDialog(ctx, cdp.DialogOptions{
			Timeout:    durationMs(a.TimeoutMs, d.defaultEventTimeout),
			AutoHandle: a.AutoHandle,
			Accept:     a.Action == "accept",
			PromptText: a.PromptText,
		})
	})

	d.register("file_upload", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Files         []string `json:"files"`
			NodeID        int64    `json:"node_id"`
			BackendNodeID int64    `json:"backend_node_id"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		translated := make([]string, len(a.Files))
		for i, f := range a.Files {
			translated[i] = translateUploadPath(f)
		}
		params := map[string]any{"files": translated}
		switch {
		case a.BackendNodeID != 0:
			params["backendNodeId"] = a.BackendNodeID
		case a.NodeID != 0:
			params["nodeId"] = a.NodeID
		default:
			return nil, cdp.NewError("file_upload", cdp.KindBadArguments, "node_id or backend_node_id is required")
		}
		if _, err := s.Send(ctx, "DOM.setFileInputFiles", params); err != nil {
			return nil, cdp.WrapError("file_upload", cdp.CodeOf(err), "DOM.setFileInputFiles failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("file_chooser_wait", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			TimeoutMs int `json:"timeout_ms"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return s.WaitForFileChooser(ctx, durationMs(a.TimeoutMs, d.defaultEventTimeout))
	})
}

func registerEmulationTools(d *Dispatcher) {
	d.register("emulate_device", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Clear             bool    `json:"clear"`
			Width             int     `json:"width"`
			Height            int     `json:"height"`
			DeviceScaleFactor float64 `json:"device_scale_factor"`
			Mobile            bool    `json:"mobile"`
			Touch             *bool   `json:"touch"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if a.Clear {
			if err := s.ClearDeviceMetrics(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		}
		if err := s.SetDeviceMetrics(ctx, a.Width, a.Height, a.DeviceScaleFactor, a.Mobile); err != nil {
			return nil, err
		}
		if a.Touch != nil {
			if err := s.SetTouchEmulation(ctx, *a.Touch); err != nil {
				return nil, err
			}
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("emulate_geolocation", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Accuracy  float64 `json:"accuracy"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if err := s.SetGeolocationOverride(ctx, a.Latitude, a.Longitude, a.Accuracy); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("emulate_timezone", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			TimezoneID string `json:"timezone_id"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if err := s.SetTimezoneOverride(ctx, a.TimezoneID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("emulate_user_agent", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			UserAgent string `json:"user_agent"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if err := s.SetUserAgentOverride(ctx, a.UserAgent); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func registerObservabilityTools(d *Dispatcher) {
	d.register("console_enable", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		if _, err := s.Send(ctx, "Log.enable", nil); err != nil {
			return nil, cdp.WrapError("console_enable", cdp.CodeOf(err), "Log.enable failed", err)
		}
		return map[string]any{"ok": true}, nil
	})

	d.register("console_messages", true, func(ctx context.Context, s *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			SinceTsMs int64 `json:"since_ts_ms"`
		}
		_ = decodeArgs(raw, &a)
		return s.BufferedEvents("Runtime.consoleAPICalled", a.SinceTsMs), nil
	})

	// console_clear empties the whole event ring (§4.3's clear_event_ring),
	// not just console entries — a caller relying on other buffered event
	// types loses them too. This matches the one bounded buffer the core
	// actually maintains; a per-category ring is out of scope.
	d.register("console_clear", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		s.ClearEventRing()
		return map[string]any{"ok": true}, nil
	})

	d.register("performance_metrics", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		if _, err := s.Send(ctx, "Performance.enable", nil); err != nil {
			return nil, cdp.WrapError("performance_metrics", cdp.CodeOf(err), "Performance.enable failed", err)
		}
		result, err := s.Send(ctx, "Performance.getMetrics", nil)
		if err != nil {
			return nil, cdp.WrapError("performance_metrics", cdp.CodeOf(err), "Performance.getMetrics failed", err)
		}
		return rawResult(result)
	})
}

func registerTabTools(d *Dispatcher) {
	d.register("tabs_context_mcp", false, func(ctx context.Context, _ *cdp.Session, _ json.RawMessage) (any, error) {
		targets, err := d.manager.Registry().List(ctx)
		if err != nil {
			return nil, err
		}
		return targets, nil
	})

	d.register("tabs_create_mcp", false, func(ctx context.Context, _ *cdp.Session, raw json.RawMessage) (any, error) {
		var a struct {
			URL string `json:"url"`
		}
		_ = decodeArgs(raw, &a)
		target, err := d.manager.Registry().Create(ctx, a.URL)
		if err != nil {
			return nil, err
		}
		return target, nil
	})

	d.register("read_page", true, func(ctx context.Context, s *cdp.Session, _ json.RawMessage) (any, error) {
		result, err := s.Send(ctx, "Runtime.evaluate", map[string]any{
			"expression":    "({title: document.title, url: location.href, text: document.body ? document.body.innerText : ''})",
			"returnByValue": true,
		})
		if err != nil {
			return nil, cdp.WrapError("read_page", cdp.CodeOf(err), "Runtime.evaluate failed", err)
		}
		return rawResult(result)
	})
}

// rawResult decodes a raw CDP result into a generic value suitable for
// envelope serialization, preserving field names as the browser sent them.
func rawResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, cdp.WrapError("rawResult", cdp.KindInternal, "malformed CDP result", err)
	}
	return v, nil
}
