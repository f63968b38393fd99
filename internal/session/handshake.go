package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"shadegate/internal/frame"
)

var (
	ErrNotHijackable = errors.New("response writer does not support hijacking")
	ErrMissingKey    = errors.New("handshake request has no Sec-WebSocket-Key")
)

const (
	headerKey     = "Sec-WebSocket-Key"
	handshakeWait = 10 * time.Second
)

// IsUpgrade reports whether r asks to switch to the framed protocol.
func IsUpgrade(r *http.Request) bool {
	return headerContains(r.Header, "Connection", "upgrade") &&
		headerContains(r.Header, "Upgrade", "websocket")
}

// Accept takes over the connection behind w and completes the handshake.
//
// A request without a handshake key is rejected by closing the connection
// without writing anything. On success the returned reader must be used for
// all reads, since it may already hold bytes the device sent early.
func Accept(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.Reader, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, ErrNotHijackable
	}
	key := strings.TrimSpace(r.Header.Get(headerKey))

	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack: %w", err)
	}
	if key == "" {
		_ = conn.Close()
		return nil, nil, ErrMissingKey
	}

	// the http server left its own deadlines on the connection
	_ = conn.SetDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeWait))

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + frame.AcceptKey(key) + "\r\n\r\n"
	if _, err := brw.WriteString(resp); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("write handshake: %w", err)
	}
	if err := brw.Flush(); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("flush handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	return conn, brw.Reader, nil
}

func headerContains(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
