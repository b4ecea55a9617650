package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// websocketGUID is the magic GUID from RFC 6455 Section 1.3, used when
// computing Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Default buffer sizes for WebSocket connections.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// UpgradeOptions configures WebSocket upgrade behavior.
//
// All fields are optional. Zero values use sensible defaults.
type UpgradeOptions struct {
	// Subprotocols is the list of subprotocols advertised by the server.
	// The server selects the first match from the client's requested
	// list. Empty = no subprotocol negotiation.
	Subprotocols []string

	// CheckOrigin verifies the Origin header.
	// nil = allow all origins (insecure in production).
	// Return false to reject the connection.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sets the read buffer size (default: 4096).
	ReadBufferSize int

	// WriteBufferSize sets the write buffer size (default: 4096).
	WriteBufferSize int

	// AllowRSV disables the default requirement that RSV1-3 be zero.
	AllowRSV bool

	// MaxMessageSize bounds a reassembled message's size. Zero means
	// defaultMaxFramePayload.
	MaxMessageSize uint64

	// FragmentSize, if non-zero, is the threshold above which an
	// outgoing message this connection sends is split into multiple
	// frames.
	FragmentSize int

	// Logger receives connection lifecycle and protocol-failure events.
	// The zero value discards all output.
	Logger zerolog.Logger
}

// Upgrade upgrades an HTTP connection to the WebSocket protocol (RFC 6455
// Section 4: Opening Handshake).
//
// Steps:
//  1. Verify HTTP method is GET.
//  2. Check Upgrade: websocket header.
//  3. Check Connection: Upgrade header.
//  4. Verify Sec-WebSocket-Version: 13.
//  5. Read Sec-WebSocket-Key.
//  6. Check origin (if configured).
//  7. Negotiate subprotocol (if configured).
//  8. Compute Sec-WebSocket-Accept.
//  9. Send 101 Switching Protocols.
//  10. Hijack the connection.
//  11. Construct the server-mode Conn.
//
//nolint:gocyclo,cyclop // handshake requires many validation steps per RFC 6455
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.WriteBufferSize == 0 {
		opts.WriteBufferSize = defaultWriteBufferSize
	}

	if r.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}

	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}

	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}

	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, ErrInvalidVersion
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingSecKey
	}

	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return nil, ErrOriginDenied
	}

	subprotocol := negotiateSubprotocol(r, opts.Subprotocols)
	accept := computeAcceptKey(key)

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	var reader *bufio.Reader
	if bufrw.Reader.Size() >= opts.ReadBufferSize {
		reader = bufrw.Reader
	} else {
		reader = bufio.NewReaderSize(netConn, opts.ReadBufferSize)
	}
	writer := bufio.NewWriterSize(netConn, opts.WriteBufferSize)

	conn := newConn(netConn, reader, writer, ModeServer, connConfig{
		BufferSize:     opts.FragmentSize,
		MaxMessageSize: opts.MaxMessageSize,
		AllowRSV:       opts.AllowRSV,
		CloseParent:    true,
		Subprotocol:    subprotocol,
		Logger:         opts.Logger,
	})

	conn.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("upgraded connection")
	return conn, nil
}

// Handler is the application callback ServeWS runs for each upgraded
// connection. It owns the connection for its whole lifetime: ServeWS
// closes it on return or panic, but never while Handler is still using it.
type Handler func(conn *Conn) error

// ServeWS upgrades the request and runs handler, guaranteeing the
// closing handshake always happens exactly once no matter how handler
// exits:
//   - handler returns nil: close with 1000 "bye".
//   - handler returns an error: close with 1011 and the error's text.
//   - handler panics: close with 1011 "goal failed", then re-panic so the
//     surrounding HTTP server's recover/log machinery still sees it.
func ServeWS(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions, handler Handler) error {
	conn, err := Upgrade(w, r, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = conn.Close(CloseInternalServerErr, "goal failed")
			panic(p)
		}
	}()

	if err := handler(conn); err != nil {
		return conn.Close(CloseInternalServerErr, err.Error())
	}
	return conn.Close(CloseNormalClosure, "bye")
}

// computeAcceptKey computes Sec-WebSocket-Accept from the client's key
// (RFC 6455 Section 1.3): base64(SHA-1(key + GUID)).
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3, not used for confidentiality.
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol selects the first of the client's requested
// subprotocols that the server also advertises (RFC 6455 Section 1.9).
// Returns "" if there is no match or none are configured.
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for _, clientProto := range clientProtos {
		clientProto = strings.TrimSpace(clientProto)
		for _, serverProto := range serverProtos {
			if clientProto == serverProto {
				return clientProto
			}
		}
	}
	return ""
}

// headerContainsToken reports whether header contains token as one of its
// comma-separated, case-insensitive values.
func headerContainsToken(header, token string) bool {
	header = strings.ToLower(header)
	token = strings.ToLower(token)

	for _, h := range strings.Split(header, ",") {
		if strings.TrimSpace(h) == token {
			return true
		}
	}
	return false
}

// CheckSameOrigin is an UpgradeOptions.CheckOrigin implementation that
// accepts requests with no Origin header (non-browser clients) and
// requests whose Origin matches the request's own scheme and host.
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return origin == scheme+"://"+r.Host
}
