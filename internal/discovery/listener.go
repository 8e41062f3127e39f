package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Record is one decoded discovery broadcast.
//
// Devices announce themselves periodically over UDP; a record carries the
// device's current address and stable identity. Records are consumed once
// and never stored verbatim.
type Record struct {
	Host       string `json:"ip"`
	DeviceID   string `json:"gwId"`
	ProductKey string `json:"productKey"`
}

// Logger defines the logging interface used by the listener.
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

// maxDatagramSize bounds a single broadcast read. Announce payloads are a
// few hundred bytes; anything larger is not a device broadcast.
const maxDatagramSize = 2048

// Listener receives device announce broadcasts on one or more UDP ports and
// delivers decoded records on a bounded channel.
//
// When the channel is full, new records are dropped rather than blocking the
// read loop: announces repeat every few seconds, so a dropped record is
// re-delivered by the device itself.
type Listener struct {
	ports   []int
	records chan Record
	logger  Logger

	conns     []*net.UDPConn
	wg        sync.WaitGroup
	started   bool
	startMu   sync.Mutex
	closeOnce sync.Once

	dropped atomic.Uint64
	decoded atomic.Uint64
}

// NewListener creates a listener for the given UDP ports.
// queueSize bounds the record channel; 64 is a sensible default.
func NewListener(ports []int, queueSize int) *Listener {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Listener{
		ports:   ports,
		records: make(chan Record, queueSize),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the listener.
func (l *Listener) SetLogger(logger Logger) {
	l.logger = logger
}

// Records returns the channel on which decoded broadcasts are delivered.
// The channel is closed when the listener is closed.
func (l *Listener) Records() <-chan Record {
	return l.records
}

// Start binds the configured ports and begins reading broadcasts.
// It returns once all sockets are bound; reading happens in background
// goroutines until Close is called.
func (l *Listener) Start() error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}

	for _, port := range l.ports {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			l.closeConns()
			return fmt.Errorf("binding udp port %d: %w", port, err)
		}
		l.conns = append(l.conns, conn)

		l.wg.Add(1)
		go l.readLoop(conn, port)
	}

	l.started = true
	l.logger.Info("discovery listener started", "ports", l.ports)
	return nil
}

// Close stops all read loops, closes the sockets, and closes the record
// channel. Safe to call multiple times.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeConns()
		l.wg.Wait()
		close(l.records)
		l.logger.Info("discovery listener stopped",
			"decoded", l.decoded.Load(),
			"dropped", l.dropped.Load(),
		)
	})
	return nil
}

func (l *Listener) closeConns() {
	for _, conn := range l.conns {
		conn.Close() //nolint:errcheck // Best effort on shutdown
	}
}

// readLoop reads datagrams from one socket until it is closed.
func (l *Listener) readLoop(conn *net.UDPConn, port int) {
	defer l.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed during shutdown.
			return
		}

		rec, err := decode(buf[:n])
		if err != nil {
			l.logger.Debug("dropping broadcast", "port", port, "from", addr.String(), "error", err)
			continue
		}

		l.decoded.Add(1)

		select {
		case l.records <- rec:
		default:
			l.dropped.Add(1)
			l.logger.Debug("discovery queue full, dropping record", "device_id", rec.DeviceID)
		}
	}
}

// decode parses an announce payload. The broadcast is a JSON document; the
// device identity field is required, the rest is best effort.
func decode(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if rec.DeviceID == "" {
		return Record{}, fmt.Errorf("%w: missing device identity", ErrDecode)
	}
	if rec.Host == "" {
		return Record{}, fmt.Errorf("%w: missing address", ErrDecode)
	}
	return rec, nil
}
