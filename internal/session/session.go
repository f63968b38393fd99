// Package session runs one live device connection: it reads framed
// messages, answers control frames, hands status reports to a Sink and
// writes commands back to the device.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"shadegate/internal/frame"
	"shadegate/internal/logger"
)

// Transport and buffering limits.
const (
	writeWait        = 10 * time.Second
	readChunkSize    = 4 << 10 // 4 KB
	maxBufferedBytes = 1 << 20 // 1 MB without a complete frame is a broken peer
	maxControlLen    = 125
)

// ErrClosed is returned by Send once the session is gone.
var ErrClosed = errors.New("session closed")

// Peer is the registry's view of a live session.
type Peer interface {
	// Send writes payload to the device as a single text frame.
	Send(payload []byte) error
	// Supersede tells the session another connection took over its identity.
	Supersede()
	RemoteAddr() string
}

// Sink receives the session's status reports and its teardown.
type Sink interface {
	Ingest(ctx context.Context, p Peer, st Status)
	Release(ctx context.Context, p Peer)
}

// Options tune a session. Zero values disable the feature.
type Options struct {
	// IdleTimeout closes the session when nothing is read for this long.
	IdleTimeout time.Duration
	// SupersedeGrace delays closing a session whose identity was claimed
	// by a newer connection.
	SupersedeGrace time.Duration
}

// Session owns one device connection.
type Session struct {
	conn net.Conn
	r    io.Reader
	sink Sink
	log  *logger.Logger
	opts Options

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
	superseded atomic.Bool
}

// New wraps an upgraded connection. r is the reader returned by Accept; when
// nil the connection itself is read.
func New(conn net.Conn, r io.Reader, sink Sink, log *logger.Logger, opts Options) *Session {
	if r == nil {
		r = conn
	}
	log = logger.OrNop(log).With("remote", conn.RemoteAddr().String())
	return &Session{
		conn:   conn,
		r:      r,
		sink:   sink,
		log:    log,
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// Serve runs the read loop until the device disconnects, sends a close frame,
// misbehaves, or ctx is cancelled. It always releases the session from the
// sink before returning.
func (s *Session) Serve(ctx context.Context) {
	defer s.teardown(ctx)

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	chunk := make([]byte, readChunkSize)
	var buf []byte
	for {
		s.armReadDeadline()
		n, err := s.r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var done bool
			if buf, done = s.drain(ctx, buf); done {
				return
			}
			if len(buf) > maxBufferedBytes {
				s.log.Warnw("session_buffer_overflow", "buffered", len(buf))
				return
			}
		}
		if err != nil {
			s.logReadError(err)
			return
		}
	}
}

// drain decodes and dispatches every complete frame in buf and returns the
// unconsumed tail. done is true when the session must end.
func (s *Session) drain(ctx context.Context, buf []byte) (rest []byte, done bool) {
	consumed := 0
	for {
		f, n, ok := frame.Decode(buf[consumed:])
		if !ok {
			break
		}
		consumed += n
		if s.dispatch(ctx, f) {
			return nil, true
		}
	}
	if consumed == 0 {
		return buf, false
	}
	return append(buf[:0], buf[consumed:]...), false
}

// dispatch handles one frame; it returns true when the session must end.
func (s *Session) dispatch(ctx context.Context, f frame.Frame) bool {
	switch f.Opcode {
	case frame.OpClose:
		s.log.Debugw("session_close_received")
		_ = s.writeFrame(frame.OpClose, truncateControl(f.Payload))
		return true
	case frame.OpPing:
		if err := s.writeFrame(frame.OpPong, truncateControl(f.Payload)); err != nil {
			s.log.Infow("session_pong_failed", "err", err)
			return true
		}
	case frame.OpPong:
		// keepalive acknowledgement
	case frame.OpText, frame.OpBinary:
		st, err := ParseStatus(f.Payload)
		if err != nil {
			s.log.Warnw("session_payload_invalid", "err", err, "payload", string(f.Payload))
			return false
		}
		s.sink.Ingest(ctx, s, st)
	default:
		s.log.Debugw("session_frame_ignored", "opcode", f.Opcode.String())
	}
	return false
}

// Send writes payload as a text frame.
func (s *Session) Send(payload []byte) error {
	return s.writeFrame(frame.OpText, payload)
}

// Supersede schedules the session for closing after the configured grace.
func (s *Session) Supersede() {
	if !s.superseded.CompareAndSwap(false, true) {
		return
	}
	s.log.Infow("session_superseded", "grace", s.opts.SupersedeGrace)
	if s.opts.SupersedeGrace <= 0 {
		s.Close()
		return
	}
	t := time.AfterFunc(s.opts.SupersedeGrace, s.Close)
	go func() {
		<-s.closed
		t.Stop()
	}()
}

// Superseded reports whether a newer connection claimed this session's identity.
func (s *Session) Superseded() bool {
	return s.superseded.Load()
}

// RemoteAddr returns the device's network address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Close shuts the connection. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) writeFrame(op frame.Opcode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := s.conn.Write(frame.Encode(op, payload)); err != nil {
		// a broken write means a broken transport; the read loop tears down
		s.Close()
		return err
	}
	return nil
}

func (s *Session) armReadDeadline() {
	if s.opts.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
}

func (s *Session) teardown(ctx context.Context) {
	s.Close()
	// the parent context may already be cancelled during shutdown
	s.sink.Release(context.WithoutCancel(ctx), s)
}

func (s *Session) logReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debugw("session_closed")
	case errors.As(err, &ne) && ne.Timeout():
		s.log.Infow("session_idle_timeout", "timeout", s.opts.IdleTimeout)
	default:
		s.log.Infow("session_read_failed", "err", err)
	}
}

func truncateControl(p []byte) []byte {
	if len(p) > maxControlLen {
		return p[:maxControlLen]
	}
	return p
}
