package websocket

import (
	"bufio"
	"sync"
)

// sender serializes application messages into frames and writes them to
// the connection's output stream (RFC 6455 Section 5.1: "An endpoint
// MUST NOT send a data frame while a fragmented message is being
// transmitted"). The per-endpoint write lock is held across an entire
// message — not per frame — so concurrent callers can never interleave
// their frames, and an automatic pong reply can never split a caller's
// in-progress fragmented message.
type sender struct {
	w    *bufio.Writer
	mode Mode

	// bufferSize, if non-zero, is the payload threshold above which
	// sendMessage splits an outgoing data message into multiple frames.
	bufferSize int

	mu sync.Mutex
}

func newSender(w *bufio.Writer, mode Mode, bufferSize int) *sender {
	return &sender{w: w, mode: mode, bufferSize: bufferSize}
}

// sendMessage writes a complete data message (text or binary), splitting
// it into bufferSize-sized frames when bufferSize is set and the payload
// exceeds it: the first frame carries the data opcode with FIN=0,
// interior frames carry OpcodeContinuation with FIN=0, and the last
// frame carries OpcodeContinuation with FIN=1. An unfragmented message is
// a single frame with FIN=1 and the data opcode, identical to bufferSize
// being unset.
func (s *sender) sendMessage(opcode Opcode, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bufferSize <= 0 || len(payload) <= s.bufferSize {
		return s.writeOne(opcode, payload, true)
	}

	offset := 0
	first := true
	for offset < len(payload) {
		end := offset + s.bufferSize
		if end > len(payload) {
			end = len(payload)
		}
		fin := end == len(payload)

		op := OpcodeContinuation
		if first {
			op = opcode
		}

		if err := s.writeOne(op, payload[offset:end], fin); err != nil {
			return err
		}

		first = false
		offset = end
	}
	return nil
}

// sendControl writes a control frame (ping, pong, or close). Control
// frames are never fragmented and are capped at 125 bytes by writeFrame.
func (s *sender) sendControl(opcode Opcode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeOne(opcode, payload, true)
}

// writeOne builds and writes a single frame, masking it if this sender
// belongs to a client-mode connection. Callers must hold s.mu.
func (s *sender) writeOne(opcode Opcode, payload []byte, fin bool) error {
	f := &frame{
		fin:     fin,
		opcode:  opcode,
		masked:  s.mode == ModeClient,
		payload: payload,
	}

	if f.masked {
		key, err := newMaskKey()
		if err != nil {
			return err
		}
		f.mask = key
	}

	return writeFrame(s.w, f)
}
