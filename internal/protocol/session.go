package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Logger defines the logging interface used by sessions.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	// DefaultPort is the TCP control port devices listen on.
	DefaultPort = 6668

	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	readTimeout  = 5 * time.Second

	// maxFrameSize bounds a response frame. Device replies are small JSON
	// documents; anything larger indicates a framing error.
	maxFrameSize = 64 * 1024
)

// command is the set-value payload sent to the device.
type command struct {
	DeviceID string         `json:"devId"`
	DPS      map[string]any `json:"dps"`
	Time     int64          `json:"t"`
}

// response is the device's reply frame.
type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Session is one device's control connection.
//
// A session moves between disconnected and connected; Connect while a dial
// is already in flight returns immediately, and Close is idempotent. Callers
// dispatch Connect fire-and-forget and must tolerate it failing silently --
// the supervisor sweep retries on its next pass.
type Session struct {
	deviceID string
	host     string
	port     int
	logger   Logger

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	closed     bool
}

// NewSession creates a session for the device at host. Port 0 selects
// DefaultPort. The session starts disconnected.
func NewSession(deviceID, host string, port int) *Session {
	if port == 0 {
		port = DefaultPort
	}
	return &Session{
		deviceID: deviceID,
		host:     host,
		port:     port,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the session.
func (s *Session) SetLogger(logger Logger) {
	s.logger = logger
}

// DeviceID returns the device identity this session talks to.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Host returns the address the session dials.
func (s *Session) Host() string {
	return s.host
}

// Connected reports whether the session holds a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect dials the device. If the session is already connected, closed, or
// a dial is in flight, it returns immediately without a second attempt.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	host, port := s.host, s.port
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false

	if err != nil {
		s.logger.Debug("connect failed", "device_id", s.deviceID, "host", host, "error", err)
		return fmt.Errorf("%w: dialing %s: %v", ErrProtocol, host, err)
	}

	// A close raced the dial; drop the late connection.
	if s.closed {
		conn.Close() //nolint:errcheck
		return ErrSessionClosed
	}

	s.conn = conn
	s.logger.Info("device connected", "device_id", s.deviceID, "host", host)
	return nil
}

// Close tears down the connection and marks the session unusable.
// Safe to call multiple times and concurrently with an in-flight Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		if err != nil {
			return fmt.Errorf("%w: closing connection: %v", ErrProtocol, err)
		}
	}
	return nil
}

// SetValue sets one datapoint on the device and waits for its acknowledgement.
// Returns ErrNotConnected when no live connection exists; transport failures
// drop the connection and surface as ErrProtocol.
func (s *Session) SetValue(ctx context.Context, index int, value any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	cmd := command{
		DeviceID: s.deviceID,
		DPS:      map[string]any{strconv.Itoa(index): value},
		Time:     time.Now().Unix(),
	}

	if err := s.exchange(ctx, conn, cmd); err != nil {
		s.dropConn(conn)
		return err
	}
	return nil
}

// exchange writes one command frame and reads the acknowledgement.
func (s *Session) exchange(ctx context.Context, conn net.Conn, cmd command) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := writeFrame(conn, cmd); err != nil {
		return err
	}

	readDeadline := time.Now().Add(readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var resp response
	if err := readFrame(conn, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: device rejected command: %s", ErrProtocol, resp.Error)
	}
	return nil
}

// dropConn discards a broken connection so the supervisor can redial.
func (s *Session) dropConn(conn net.Conn) {
	conn.Close() //nolint:errcheck

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	s.logger.Debug("connection dropped", "device_id", s.deviceID)
}

// writeFrame sends one length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding frame: %v", ErrProtocol, err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: writing frame: %v", ErrProtocol, err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame.
func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("%w: reading frame header: %v", ErrProtocol, err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit", ErrProtocol, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: reading frame body: %v", ErrProtocol, err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decoding frame: %v", ErrProtocol, err)
	}
	return nil
}
