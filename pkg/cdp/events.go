package cdp

import (
	"context"
	"encoding/json"
	"time"
)

// Unsubscribe revokes a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Subscribe registers handler for method ("*" for every event). The
// handler runs synchronously on the session's read loop; a panicking or
// slow handler must not be allowed to affect sibling subscribers, so
// dispatchEvent recovers around each call individually.
func (s *Session) Subscribe(method string, handler func(Event)) Unsubscribe {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[method] = append(s.subscribers[method], subscription{id: id, method: method, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[method]
		for i, sub := range subs {
			if sub.id == id {
				s.subscribers[method] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// WaitForEvent resolves with the first event on method for which filter
// returns true (or any event on method if filter is nil), or fails with
// Timeout. The subscriber is installed before returning control to the
// caller's own goroutine scheduling point — callers that pair a wait with
// a triggering action must call WaitForEvent first and only then perform
// the action, per spec §4.3's ordering discipline.
func (s *Session) WaitForEvent(ctx context.Context, method string, filter func(json.RawMessage) bool, timeout time.Duration) (Event, error) {
	const op = "Session.WaitForEvent"

	resultCh := make(chan Event, 1)
	var fired bool
	unsub := s.Subscribe(method, func(ev Event) {
		if fired {
			return
		}
		if filter != nil && !filter(ev.Params) {
			return
		}
		fired = true
		select {
		case resultCh <- ev:
		default:
		}
	})
	defer unsub()

	if timeout <= 0 {
		return Event{}, NewError(op, KindTimeout, method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-resultCh:
		return ev, nil
	case <-timer.C:
		return Event{}, WrapError(op, KindTimeout, method, ErrTimeout)
	case <-ctx.Done():
		return Event{}, WrapError(op, KindTimeout, method, ctx.Err())
	}
}

// BufferedEvents returns the subset of the event ring matching method (if
// non-empty) and observed at or after sinceTsMs. Used by pull-style
// callers such as console_messages that cannot block on a live
// subscription.
func (s *Session) BufferedEvents(method string, sinceTsMs int64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.eventRing))
	for _, ev := range s.eventRing {
		if ev.TimestampMs < sinceTsMs {
			continue
		}
		if method != "" && ev.Method != method {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// ClearEventRing empties the ring; live subscribers are unaffected.
func (s *Session) ClearEventRing() {
	s.mu.Lock()
	s.eventRing = nil
	s.mu.Unlock()
	ringOccupancy.WithLabelValues(s.TargetID).Set(0)
}

// dispatchEvent appends ev to the bounded ring, fans it out to
// subscribers of its method and of "*", feeds the state tracker, and
// forwards to the optional event-bus hook. Called only from readLoop.
func (s *Session) dispatchEvent(ev Event) {
	s.mu.Lock()
	if len(s.eventRing) >= eventRingCapacity {
		s.eventRing = s.eventRing[1:]
		ringEvictions.Inc()
	}
	s.eventRing = append(s.eventRing, ev)
	occupancy := len(s.eventRing)
	handlers := make([]func(Event), 0, 4)
	for _, sub := range s.subscribers[ev.Method] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range s.subscribers["*"] {
		handlers = append(handlers, sub.handler)
	}
	onEvent := s.onEvent
	s.mu.Unlock()

	eventsReceived.WithLabelValues(ev.Method).Inc()
	ringOccupancy.WithLabelValues(s.TargetID).Set(float64(occupancy))

	for _, h := range handlers {
		safeInvoke(h, ev)
	}

	s.updateState(ev)

	if onEvent != nil {
		onEvent(ev)
	}
}

func safeInvoke(handler func(Event), ev Event) {
	defer func() {
		recover() // a panicking subscriber must not affect siblings or the read loop
	}()
	handler(ev)
}
