package websocket

import "sync/atomic"

// EndpointState models the lifecycle of a WebSocket endpoint's closing
// handshake as an explicit state machine, rather than the single
// "closed bool" the teacher used. An endpoint starts Open and moves
// through the close states exactly once, ending in Closed.
type EndpointState int32

const (
	// StateOpen is the initial state: both directions are usable.
	StateOpen EndpointState = iota

	// StateSentClose means this endpoint has sent a close frame but has
	// not yet seen one from the peer.
	StateSentClose

	// StateReceivedClose means this endpoint has seen a close frame from
	// the peer but has not yet sent its own.
	StateReceivedClose

	// StateClosed is terminal: both sides have exchanged (or implicitly
	// completed) the closing handshake. Reads return end-of-message-close
	// semantics and writes fail with ErrClosed.
	StateClosed
)

// String returns a human-readable state name.
func (s EndpointState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSentClose:
		return "sent-close"
	case StateReceivedClose:
		return "received-close"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// endpointState is a small atomic wrapper so Conn can read and
// transition its EndpointState without a separate mutex just for this
// one field.
type endpointState struct {
	v atomic.Int32
}

func (e *endpointState) load() EndpointState {
	return EndpointState(e.v.Load())
}

func (e *endpointState) store(s EndpointState) {
	e.v.Store(int32(s))
}

// transitionToClosed moves the state to Closed regardless of the current
// state and reports whether this call was the one that did so (false if
// another goroutine already closed it).
func (e *endpointState) transitionToClosed() bool {
	for {
		cur := EndpointState(e.v.Load())
		if cur == StateClosed {
			return false
		}
		if e.v.CompareAndSwap(int32(cur), int32(StateClosed)) {
			return true
		}
	}
}

// markSent moves Open->SentClose or ReceivedClose->Closed, matching
// spec.md's close-code transition table. Returns the resulting state.
func (e *endpointState) markSent() EndpointState {
	for {
		cur := EndpointState(e.v.Load())
		var next EndpointState
		switch cur {
		case StateOpen:
			next = StateSentClose
		case StateReceivedClose:
			next = StateClosed
		default:
			return cur
		}
		if e.v.CompareAndSwap(int32(cur), int32(next)) {
			return next
		}
	}
}

// markReceived moves Open->ReceivedClose or SentClose->Closed.
func (e *endpointState) markReceived() EndpointState {
	for {
		cur := EndpointState(e.v.Load())
		var next EndpointState
		switch cur {
		case StateOpen:
			next = StateReceivedClose
		case StateSentClose:
			next = StateClosed
		default:
			return cur
		}
		if e.v.CompareAndSwap(int32(cur), int32(next)) {
			return next
		}
	}
}
