package cdp

import (
	"encoding/json"
	"sync"
	"time"
)

const networkRequestCapacity = 500

// NetworkRequest is the derived lifecycle record kept for one requestId.
// The HTTP method here is authoritative; Network.responseReceived's
// "type" field is the resource type, not the verb, so wait_for_response
// must look up the method through this map rather than the response
// event itself (spec §4.4).
type NetworkRequest struct {
	URL        string
	HTTPMethod string
	SentAt     time.Time
	FinishedAt *time.Time
}

// networkRequestMap is a bounded mapping keyed by requestId with FIFO
// eviction of the oldest *insertion*, not oldest activity, per spec §3.
type networkRequestMap struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string]NetworkRequest
}

func newNetworkRequestMap(capacity int) *networkRequestMap {
	return &networkRequestMap{
		capacity: capacity,
		entries:  make(map[string]NetworkRequest),
	}
}

func (m *networkRequestMap) insert(requestID string, req NetworkRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[requestID]; !exists {
		if len(m.order) >= m.capacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
			networkRequestEvictions.Inc()
		}
		m.order = append(m.order, requestID)
	}
	m.entries[requestID] = req
}

func (m *networkRequestMap) markFinished(requestID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.entries[requestID]
	if !ok {
		return
	}
	req.FinishedAt = &at
	m.entries[requestID] = req
}

func (m *networkRequestMap) get(requestID string) (NetworkRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.entries[requestID]
	return req, ok
}

func (m *networkRequestMap) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	m.entries = make(map[string]NetworkRequest)
}

// DocVersion returns the current document version.
func (s *Session) DocVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docVersion
}

// RootNodeID returns the cached root node id, if fresh.
func (s *Session) RootNodeID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rootNodeID == nil {
		return 0, false
	}
	return *s.rootNodeID, true
}

// SetRootNodeID caches the root node id obtained from DOM.getDocument.
func (s *Session) SetRootNodeID(id int64) {
	s.mu.Lock()
	s.rootNodeID = &id
	s.mu.Unlock()
}

// LookupNetworkRequest exposes the derived request registry to primitives
// such as wait_for_response.
func (s *Session) LookupNetworkRequest(requestID string) (NetworkRequest, bool) {
	return s.networkReqs.get(requestID)
}

func (s *Session) advanceDocVersion() {
	s.mu.Lock()
	s.docVersion++
	s.rootNodeID = nil
	s.mu.Unlock()
}

type frameNavigatedParams struct {
	Frame struct {
		ID       string  `json:"id"`
		ParentID *string `json:"parentId"`
	} `json:"frame"`
}

// MainFrameID returns the last-observed top-level frame id, if any has
// navigated yet. Used by wait_for_load to key its filter to the main
// frame when the caller omits an explicit frame id.
func (s *Session) MainFrameID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainFrameID, s.mainFrameID != ""
}

type requestWillBeSentParams struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL    string `json:"url"`
		Method string `json:"method"`
	} `json:"request"`
}

type requestLifecycleParams struct {
	RequestID string `json:"requestId"`
}

// updateState is the State Tracker (§4.4): it consumes the same events
// already delivered to subscribers and derives doc_version and
// network_requests from them.
func (s *Session) updateState(ev Event) {
	switch ev.Method {
	case "DOM.documentUpdated":
		s.advanceDocVersion()

	case "Page.frameNavigated":
		var p frameNavigatedParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.Frame.ParentID == nil {
			s.mu.Lock()
			s.mainFrameID = p.Frame.ID
			s.mu.Unlock()
			s.advanceDocVersion()
		}

	case "Network.requestWillBeSent":
		var p requestWillBeSentParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.RequestID != "" {
			s.networkReqs.insert(p.RequestID, NetworkRequest{
				URL:        p.Request.URL,
				HTTPMethod: p.Request.Method,
				SentAt:     time.Now(),
			})
		}

	case "Network.loadingFinished", "Network.loadingFailed":
		var p requestLifecycleParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.RequestID != "" {
			s.networkReqs.markFinished(p.RequestID, time.Now())
		}
	}
}
