package websocket

import (
	"bufio"
	"encoding/json/v2"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn is a WebSocket endpoint: the Connection Driver that binds an
// input frame source and output frame sink from a single net.Conn into
// the operations callers use (Send, Receive, Close), orchestrates the
// closing handshake, and exposes a small set of read-only properties.
//
// A Conn supports one concurrent reader and one concurrent writer — the
// natural full-duplex shape of a WebSocket connection. Multiple writers
// are serialized at message granularity by the embedded sender; multiple
// concurrent readers are not supported.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	mode        Mode
	subprotocol string
	id          string
	closeParent bool
	logger      zerolog.Logger

	sender *sender
	asm    *assembler

	state     endpointState
	closeOnce closeOnceResult
}

// closeOnceResult runs its body exactly once and remembers the result,
// so repeated Close calls are both side-effect-free and return the same
// answer (RFC-mandated idempotence, not just "doesn't panic twice").
type closeOnceResult struct {
	done bool
	err  error
}

// connConfig carries the construction-time options a Conn needs,
// gathered by the server and client handshake paths (UpgradeOptions /
// DialOptions) into one place.
type connConfig struct {
	BufferSize     int
	MaxMessageSize uint64
	AllowRSV       bool
	CloseParent    bool
	Subprotocol    string
	Logger         zerolog.Logger
}

func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, mode Mode, cfg connConfig) *Conn {
	id := uuid.NewString()
	return &Conn{
		conn:        netConn,
		reader:      reader,
		mode:        mode,
		subprotocol: cfg.Subprotocol,
		id:          id,
		closeParent: cfg.CloseParent,
		logger:      cfg.Logger.With().Str("conn_id", id).Str("mode", mode.String()).Logger(),
		sender:      newSender(writer, mode, cfg.BufferSize),
		asm:         newAssembler(mode, cfg.AllowRSV, cfg.MaxMessageSize),
	}
}

// Mode reports whether this endpoint is the server or client side of the
// connection.
func (c *Conn) Mode() Mode { return c.mode }

// Subprotocol returns the negotiated subprotocol name, or "" if none was
// negotiated.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// State returns the endpoint's current position in the closing-handshake
// state machine.
func (c *Conn) State() EndpointState { return c.state.load() }

// Property exposes a small set of read-only connection attributes by
// name, matching the spec's small property-lookup surface.
// Recognized names: "subprotocol", "mode", "id".
func (c *Conn) Property(name string) (any, bool) {
	switch name {
	case "subprotocol":
		return c.subprotocol, true
	case "mode":
		return c.mode, true
	case "id":
		return c.id, true
	default:
		return nil, false
	}
}

// SetReadDeadline and SetWriteDeadline pass through to the underlying
// stream so a host can enforce timeouts; the core protocol state machine
// itself imposes none — it never times out on its own, a host enforces
// one by interrupting the stream.
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Receive reads the next application message: a complete text or binary
// message, or a CloseMessage when the peer closes the connection or the
// stream ends. Ping/pong handling is automatic and never surfaces here,
// except in the narrow case where an automatic pong reply itself fails
// to send, which instead yields a PingMessage.
func (c *Conn) Receive() (Message, error) {
	if c.state.load() == StateClosed {
		return Message{}, ErrClosed
	}

	msg, err := c.asm.next(c.reader, c.autoPong)
	if err != nil {
		return c.handleReceiveError(err)
	}

	if msg.Type == CloseMessage {
		return c.handlePeerClose(msg)
	}

	return msg, nil
}

func (c *Conn) handleReceiveError(err error) (Message, error) {
	if errors.Is(err, io.EOF) {
		c.state.transitionToClosed()
		c.logger.Debug().Msg("stream ended without close frame")
		return Message{Type: CloseMessage, Data: []byte("EOF")}, nil
	}

	if code, ok := closeCodeFor(err); ok {
		c.logger.Warn().Err(err).Int("close_code", int(code)).Msg("failing connection")
		_ = c.writeClose(code, err.Error())
	} else {
		c.logger.Warn().Err(err).Msg("stream read failed")
	}

	c.state.transitionToClosed()
	return Message{}, err
}

// handlePeerClose implements the close-frame handling for a close
// observed during ordinary Receive (as opposed to one observed while
// draining inside Close): if this endpoint hadn't already sent its own
// close, echo one with the same code (or 1000 if none), then finish the
// handshake.
func (c *Conn) handlePeerClose(msg Message) (Message, error) {
	if msg.Code == CloseNoStatusReceived {
		msg.Code = CloseNormalClosure
	}

	next := c.state.markReceived()
	if next == StateReceivedClose {
		// Open->ReceivedClose just now: we hadn't sent our own close yet.
		echoCode := msg.Code
		if echoCode == 0 {
			echoCode = CloseNormalClosure
		}
		_ = c.writeClose(echoCode, "")
		c.state.transitionToClosed()
	}
	// next == StateClosed means SentClose->Closed: nothing more to send.

	c.finish()
	return msg, nil
}

// autoPong is the assembler's pong callback.
func (c *Conn) autoPong(data []byte) error {
	return c.sender.sendControl(OpcodePong, data)
}

// writeClose writes a raw close frame without touching connection state;
// callers are responsible for the state machine transition.
func (c *Conn) writeClose(code CloseCode, reason string) error {
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reason)
	return c.sender.sendControl(OpcodeClose, payload)
}

// finish tears down the underlying stream if this endpoint owns it.
func (c *Conn) finish() {
	if c.closeParent && c.conn != nil {
		_ = c.conn.Close()
	}
}

// Send writes a Text, Binary, or Close message. For Close, it is
// equivalent to calling Close(msg.Code, msg.Reason).
func (c *Conn) Send(msg Message) error {
	switch msg.Type {
	case TextMessage:
		return c.SendText(string(msg.Data))
	case BinaryMessage:
		return c.SendBinary(msg.Data)
	case CloseMessage:
		return c.Close(msg.Code, msg.Reason)
	default:
		return ErrInvalidMessageType
	}
}

// SendText sends a complete text message. Returns ErrInvalidUTF8 if data
// is not valid UTF-8.
func (c *Conn) SendText(s string) error {
	if c.state.load() == StateClosed {
		return ErrClosed
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return c.sender.sendMessage(OpcodeText, []byte(s))
}

// SendBinary sends a complete binary message.
func (c *Conn) SendBinary(data []byte) error {
	if c.state.load() == StateClosed {
		return ErrClosed
	}
	return c.sender.sendMessage(OpcodeBinary, data)
}

// SendJSON marshals v and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.state.load() == StateClosed {
		return ErrClosed
	}
	return c.sender.sendMessage(OpcodeText, data)
}

// SendPing sends a ping frame. data must be at most 125 bytes.
func (c *Conn) SendPing(data []byte) error {
	if c.state.load() == StateClosed {
		return ErrClosed
	}
	return c.sender.sendControl(OpcodePing, data)
}

// SendPong sends an unsolicited pong frame. Normally unnecessary: Receive
// answers pings automatically.
func (c *Conn) SendPong(data []byte) error {
	if c.state.load() == StateClosed {
		return ErrClosed
	}
	return c.sender.sendControl(OpcodePong, data)
}

// ReadText reads the next message and requires it to be text.
func (c *Conn) ReadText() (string, error) {
	msg, err := c.Receive()
	if err != nil {
		return "", err
	}
	if msg.Type != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(msg.Data), nil
}

// ReadJSON reads the next message, requires it to be text, and
// unmarshals it into v.
func (c *Conn) ReadJSON(v any) error {
	msg, err := c.Receive()
	if err != nil {
		return err
	}
	if msg.Type != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(msg.Data, v)
}

// Close drives the closing handshake:
//   - If this endpoint hasn't already sent a close frame, send one now.
//   - If it hasn't already seen the peer's close frame, read exactly one
//     more message and require it to be a close; anything else fails
//     with ErrUnexpectedMessage.
//   - Finally close the underlying stream if this endpoint owns it.
//
// Idempotent: a second call returns the first call's result without
// doing any further I/O.
func (c *Conn) Close(code CloseCode, reason string) error {
	if c.closeOnce.done {
		return c.closeOnce.err
	}

	prior := c.state.load()
	outputDone := prior == StateSentClose || prior == StateClosed
	inputDone := prior == StateReceivedClose || prior == StateClosed

	var err error
	if !outputDone {
		if werr := c.writeClose(code, reason); werr != nil {
			err = werr
		}
		c.state.markSent()
	}

	if err == nil && !inputDone {
		msg, rerr := c.asm.next(c.reader, c.autoPong)
		switch {
		case rerr != nil:
			err = rerr
		case msg.Type != CloseMessage:
			err = fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
		}
	}

	c.state.transitionToClosed()
	c.finish()

	c.closeOnce.done = true
	c.closeOnce.err = err
	return err
}
