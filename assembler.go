package websocket

import (
	"bufio"
	"bytes"
	"fmt"
	"unicode/utf8"
)

// partialMessage is the one piece of state the Message Assembler is
// allowed to hold at a time: the opcode of the first fragment, the bytes
// accumulated so far, and the RSV bits that fragment carried. Its
// presence or absence *is* the "at most one partial data message in
// progress" invariant — there is no separate boolean to drift out of
// sync with it.
type partialMessage struct {
	opcode Opcode
	rsv    byte
	buf    bytes.Buffer
}

// assembler reassembles logical Messages from the frame stream,
// enforcing the fragmentation dispatch table below and routing ping/pong
// automatically. It holds no reference to a net.Conn: it operates purely
// against a *bufio.Reader and a pong callback, so it is unit-testable
// against an in-memory buffer.
//
// Dispatch table (spec'd behavior, mirrored exactly):
//
//	incoming                 | no partial           | partial in progress
//	-------------------------+-----------------------+----------------------
//	data opcode,   FIN=1      | emit message          | ErrExpectedContinuation
//	data opcode,   FIN=0      | start partial         | ErrExpectedContinuation
//	continuation,  FIN=1      | ErrUnexpectedContinuation | append, emit, clear
//	continuation,  FIN=0      | ErrUnexpectedContinuation | append
//	control,       FIN=1      | handle                | handle, partial preserved
//	control,       FIN=0      | rejected in readFrame (ErrControlFragmented)
type assembler struct {
	mode           Mode
	allowRSV       bool
	maxMessageSize uint64

	partial *partialMessage
}

// newAssembler creates an assembler for a connection of the given mode.
// maxMessageSize of 0 means defaultMaxFramePayload.
func newAssembler(mode Mode, allowRSV bool, maxMessageSize uint64) *assembler {
	return &assembler{mode: mode, allowRSV: allowRSV, maxMessageSize: maxMessageSize}
}

// next reads frames from r until a complete application Message is ready
// to deliver, transparently consuming pong frames and replying to pings
// along the way.
//
// pong is invoked with the ping's payload to send the automatic reply;
// if it returns a non-nil error, the ping itself is delivered to the
// caller as a PingMessage instead (RFC 6455 Section 5.5.2 only
// "should"s the pong reply — it cannot be guaranteed once the write side
// has failed).
func (a *assembler) next(r *bufio.Reader, pong func([]byte) error) (Message, error) {
	mode := a.mode
	opts := readOptions{mode: &mode, allowRSV: a.allowRSV}

	for {
		f, err := readFrame(r, opts)
		if err != nil {
			return Message{}, err
		}

		switch {
		case f.opcode == OpcodePing:
			if pong != nil {
				if perr := pong(f.payload); perr != nil {
					return Message{Type: PingMessage, Data: f.payload}, nil
				}
			}
			continue

		case f.opcode == OpcodePong:
			continue

		case f.opcode == OpcodeClose:
			return a.closeMessage(f.payload)

		case f.opcode.IsData():
			msg, done, derr := a.handleData(f)
			if derr != nil {
				return Message{}, derr
			}
			if done {
				return msg, nil
			}
			// Not yet a complete message; keep reading frames.

		default:
			// Unreachable: readFrame already rejects reserved opcodes.
			return Message{}, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(f.opcode))
		}
	}
}

// handleData applies the data/continuation half of the dispatch table.
// done is true when msg is a complete, ready-to-deliver message.
func (a *assembler) handleData(f *frame) (msg Message, done bool, err error) {
	if f.opcode == OpcodeContinuation {
		if a.partial == nil {
			return Message{}, false, ErrUnexpectedContinuation
		}
		return a.appendFragment(f)
	}

	// f.opcode is OpcodeText or OpcodeBinary: the start of a message.
	if a.partial != nil {
		return Message{}, false, ErrExpectedContinuation
	}

	if f.fin {
		// Unfragmented message: readFrame already validated UTF-8 for
		// text frames with FIN=1.
		return Message{Type: MessageType(f.opcode), Data: f.payload, RSV: f.rsv()}, true, nil
	}

	a.partial = &partialMessage{opcode: f.opcode, rsv: f.rsv()}
	if err := a.growPartial(f.payload); err != nil {
		a.partial = nil
		return Message{}, false, err
	}
	return Message{}, false, nil
}

func (a *assembler) appendFragment(f *frame) (msg Message, done bool, err error) {
	if err := a.growPartial(f.payload); err != nil {
		a.partial = nil
		return Message{}, false, err
	}

	if !f.fin {
		return Message{}, false, nil
	}

	p := a.partial
	a.partial = nil

	data := p.buf.Bytes()
	if MessageType(p.opcode) == TextMessage && !utf8.Valid(data) {
		return Message{}, false, ErrInvalidUTF8
	}

	result := make([]byte, len(data))
	copy(result, data)
	return Message{Type: MessageType(p.opcode), Data: result, RSV: p.rsv}, true, nil
}

// growPartial appends payload to the in-progress partial message,
// failing with ErrMessageTooLarge once the accumulated size would exceed
// maxMessageSize.
func (a *assembler) growPartial(payload []byte) error {
	max := a.maxMessageSize
	if max == 0 {
		max = defaultMaxFramePayload
	}
	if uint64(a.partial.buf.Len()+len(payload)) > max {
		return ErrMessageTooLarge
	}
	a.partial.buf.Write(payload)
	return nil
}

// closeMessage parses a close frame's payload (RFC 6455 Section 5.5.1):
// an optional 2-byte big-endian status code followed by an optional
// UTF-8 reason. An empty payload is code 1005 (no status), represented
// internally but normalized to 1000 before being handed to the caller
// per this package's Conn.Receive contract.
func (a *assembler) closeMessage(payload []byte) (Message, error) {
	code := CloseNoStatusReceived
	reason := ""

	if len(payload) >= 2 {
		code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
		reason = string(payload[2:])
	} else if len(payload) == 1 {
		return Message{}, ErrProtocolError
	}

	if reason != "" && !utf8.ValidString(reason) {
		return Message{}, ErrInvalidUTF8
	}

	if len(payload) >= 2 && !isValidCloseCode(code) {
		return Message{}, ErrProtocolError
	}

	return Message{Type: CloseMessage, Code: code, Reason: reason}, nil
}
