package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// DialOptions configures the client-side opening handshake.
type DialOptions struct {
	// Header carries additional request headers (e.g. Authorization,
	// cookies).
	Header http.Header

	// Subprotocols is the list offered via Sec-WebSocket-Protocol.
	Subprotocols []string

	// TLSConfig is used when dialing a wss:// URL. A nil value uses
	// Go's default TLS configuration.
	TLSConfig *tls.Config

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
	Logger zerolog.Logger
}

// Dial connects to a WebSocket server and performs the client-side
// opening handshake (RFC 6455 Section 4.1), returning a client-mode Conn
// and the server's HTTP response.
//
// url must begin with "ws://" or "wss://". For wss://, the connection is
// wrapped in TLS using opts.TLSConfig (or Go's defaults).
func Dial(ctx context.Context, url string, opts *DialOptions) (*Conn, *http.Response, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	useTLS, host, path, err := parseWSURL(url)
	if err != nil {
		return nil, nil, err
	}

	var dialer net.Dialer
	rawConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	var netConn net.Conn = rawConn
	if useTLS {
		tlsConfig := opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: hostOnly(host)}
		}
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, nil, fmt.Errorf("tls handshake: %w", err)
		}
		netConn = tlsConn
	}

	key, err := clientKey()
	if err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	if err := writeHandshakeRequest(netConn, host, path, key, opts); err != nil {
		_ = netConn.Close()
		return nil, nil, err
	}

	reader := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodGet})
	if err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if err := validateHandshakeResponse(resp, key); err != nil {
		_ = netConn.Close()
		return nil, resp, err
	}

	writer := bufio.NewWriterSize(netConn, defaultWriteBufferSize)
	conn := newConn(netConn, reader, writer, ModeClient, connConfig{
		BufferSize:     opts.FragmentSize,
		MaxMessageSize: opts.MaxMessageSize,
		AllowRSV:       opts.AllowRSV,
		CloseParent:    true,
		Subprotocol:    resp.Header.Get("Sec-WebSocket-Protocol"),
		Logger:         opts.Logger,
	})

	conn.logger.Info().Str("url", url).Msg("handshake complete")
	return conn, resp, nil
}

func parseWSURL(url string) (useTLS bool, host, path string, err error) {
	switch {
	case strings.HasPrefix(url, "wss://"):
		useTLS = true
		url = strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		url = strings.TrimPrefix(url, "ws://")
	default:
		return false, "", "", fmt.Errorf("%w: unsupported scheme in %q", ErrHandshakeFailed, url)
	}

	parts := strings.SplitN(url, "/", 2)
	host = parts[0]
	path = "/"
	if len(parts) > 1 {
		path = "/" + parts[1]
	}
	if !strings.Contains(host, ":") {
		if useTLS {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return useTLS, host, path, nil
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

// clientKey draws a fresh CSPRNG 16-byte Sec-WebSocket-Key.
func clientKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func writeHandshakeRequest(w net.Conn, host, path, key string, opts *DialOptions) error {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Keep-alive, Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")

	if len(opts.Subprotocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(opts.Subprotocols, ", "))
	}
	for headerName, values := range opts.Header {
		for _, value := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", headerName, value)
		}
	}
	b.WriteString("\r\n")

	_, err := w.Write([]byte(b.String()))
	return err
}

func validateHandshakeResponse(resp *http.Response, key string) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %d", ErrHandshakeFailed, resp.StatusCode)
	}
	if !headerContainsToken(resp.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("%w: missing Upgrade header", ErrHandshakeFailed)
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return fmt.Errorf("%w: missing Connection header", ErrHandshakeFailed)
	}

	want := computeAcceptKey(key)
	got := resp.Header.Get("Sec-WebSocket-Accept")
	if got != want {
		return fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrHandshakeFailed)
	}
	return nil
}
