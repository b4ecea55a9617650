package websocket

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connPairFragmenting is connPair with the client side configured to
// split outgoing messages above fragmentSize into multiple frames, so
// end-to-end fragmentation can be exercised through the Conn API rather
// than by hand-building frames.
func connPairFragmenting(t *testing.T, fragmentSize int) (client, server *Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()

	client = newConn(clientRaw, bufio.NewReader(clientRaw), bufio.NewWriter(clientRaw), ModeClient, connConfig{
		BufferSize: fragmentSize,
		Logger:     zerolog.Nop(),
	})
	server = newConn(serverRaw, bufio.NewReader(serverRaw), bufio.NewWriter(serverRaw), ModeServer, connConfig{
		Logger: zerolog.Nop(),
	})
	return client, server
}

// Scenario 1: opening handshake end to end, covered in depth by
// handshake_server_test.go (computeAcceptKey against the RFC 6455
// Section 1.3 worked example) and handshake_client_test.go
// (TestDialCompletesHandshakeAndNegotiatesSubprotocol, a full
// Upgrade/Dial round trip over a real listener).

// Scenario 2: unfragmented text echo.
func TestScenarioTextEcho(t *testing.T) {
	client, server := connPair(t)

	go func() {
		msg, err := server.Receive()
		if err == nil {
			_ = server.Send(msg)
		}
	}()

	require.NoError(t, client.SendText("round trip"))
	got, err := client.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "round trip", got)
}

// Scenario 3: a binary message fragmented across three frames
// reassembles into the exact original payload on the receiving end.
func TestScenarioFragmentedBinaryReassembly(t *testing.T) {
	client, server := connPairFragmenting(t, 4)

	payload := []byte("a fragmented binary payload that spans several frames")
	go func() { _ = client.SendBinary(payload) }()

	msg, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, msg.Type)
	assert.Equal(t, payload, msg.Data)
}

// Scenario 4: a ping interleaved between a fragmented message's frames
// is answered with an automatic pong, and the fragmented message still
// reassembles correctly once the final frame arrives.
func TestScenarioPingDuringFragmentedMessage(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()

	server := newConn(serverRaw, bufio.NewReader(serverRaw), bufio.NewWriter(serverRaw), ModeServer, connConfig{
		Logger: zerolog.Nop(),
	})

	clientWriter := bufio.NewWriter(clientRaw)
	clientReader := bufio.NewReader(clientRaw)

	writeClientFrame := func(opcode Opcode, fin bool, payload []byte) {
		key, err := newMaskKey()
		require.NoError(t, err)
		require.NoError(t, writeFrame(clientWriter, &frame{fin: fin, opcode: opcode, masked: true, mask: key, payload: payload}))
	}

	go func() {
		writeClientFrame(OpcodeBinary, false, []byte("frag-"))
		writeClientFrame(OpcodePing, true, []byte("ping-mid-fragment"))
		writeClientFrame(OpcodeContinuation, true, []byte("ment"))
	}()

	pongFrame := make(chan *frame, 1)
	go func() {
		mode := ModeClient
		f, err := readFrame(clientReader, readOptions{mode: &mode})
		require.NoError(t, err)
		pongFrame <- f
	}()

	msg, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, msg.Type)
	assert.Equal(t, []byte("frag-ment"), msg.Data)

	select {
	case f := <-pongFrame:
		assert.Equal(t, OpcodePong, f.opcode)
		assert.Equal(t, []byte("ping-mid-fragment"), f.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("automatic pong never arrived")
	}
}

// Scenario 5: Close carries a specific code and reason through to the
// peer, and both sides converge on StateClosed.
func TestScenarioCloseWithCodeAndReason(t *testing.T) {
	client, server := connPair(t)

	serverMsg := make(chan Message, 1)
	go func() {
		for {
			msg, err := server.Receive()
			if err != nil {
				return
			}
			if msg.Type == CloseMessage {
				serverMsg <- msg
				return
			}
		}
	}()

	require.NoError(t, client.Close(CloseGoingAway, "shutting down"))

	select {
	case msg := <-serverMsg:
		assert.Equal(t, CloseGoingAway, msg.Code)
		assert.Equal(t, "shutting down", msg.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed close")
	}

	assert.Equal(t, StateClosed, client.State())
	require.Eventually(t, func() bool { return server.State() == StateClosed }, time.Second, 10*time.Millisecond)
}

// Scenario 6: invalid UTF-8 in a text message fails the connection with
// code 1007, on both the sending and receiving sides.
func TestScenarioInvalidUTF8ClosesConnection(t *testing.T) {
	client, server := connPair(t)

	// SendText validates locally and never reaches the wire.
	err := client.SendText(string([]byte{0xC0, 0xC1}))
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	// A peer that skips validation (as a misbehaving implementation
	// might) still gets caught on receipt: drive an invalid-UTF8 text
	// frame onto the wire directly, bypassing writeFrame's own check.
	go func() {
		key, _ := newMaskKey()
		w := bufio.NewWriter(client.conn)
		_ = writeFrameNoValidation(w, &frame{fin: true, opcode: OpcodeText, masked: true, mask: key, payload: []byte{0xC0, 0xC1}})
	}()

	// Drain the close frame the server sends back when it fails the
	// connection, so that write doesn't block forever on the pipe.
	go func() {
		mode := ModeClient
		_, _ = readFrame(client.reader, readOptions{mode: &mode})
	}()

	_, rerr := server.Receive()
	assert.ErrorIs(t, rerr, ErrInvalidUTF8)
	assert.Equal(t, StateClosed, server.State())
}
