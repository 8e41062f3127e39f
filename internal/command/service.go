package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/lanlink/internal/fleet"
	"github.com/nerrad567/lanlink/internal/infrastructure/mqtt"
)

// dispatchTimeout bounds a single set-value exchange so a silent device
// cannot hold a broker callback open indefinitely.
const dispatchTimeout = 10 * time.Second

// MQTTClient is the broker surface the service needs. Satisfied by
// *mqtt.Client; narrowed for tests.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Dispatcher executes commands against the managed fleet.
// Satisfied by *fleet.Manager.
type Dispatcher interface {
	SetValue(ctx context.Context, deviceID string, index int, value any) error
	ReloadAll(ctx context.Context) error
}

// SetValueRequest is the payload accepted on the set_value command topic.
// CommandID is optional; one is generated when absent so every request can
// still be acknowledged.
type SetValueRequest struct {
	CommandID string `json:"command_id,omitempty"`
	DeviceID  string `json:"device_id"`
	Index     int    `json:"index"`
	Value     any    `json:"value"`
}

// Ack is published on the per-command ack topic after every request.
type Ack struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Ack statuses.
const (
	AckOK     = "ok"
	AckFailed = "failed"
)

// Ack error codes.
const (
	ErrCodeBadPayload    = "bad_payload"
	ErrCodeUnknownDevice = "unknown_device"
	ErrCodeNotConnected  = "not_connected"
	ErrCodeProtocol      = "protocol_error"
)

// Service consumes command topics from the message bus and dispatches them
// against the fleet manager. Every request gets exactly one ack, keyed by
// its command id.
type Service struct {
	mqtt       MQTTClient
	dispatcher Dispatcher
	topics     mqtt.Topics
	logger     Logger

	ctx       context.Context
	ctxCancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Logger is the minimal logging interface used by the service.
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

// NewService creates a command service. Call Start to subscribe.
func NewService(client MQTTClient, dispatcher Dispatcher) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mqtt:       client,
		dispatcher: dispatcher,
		logger:     noopLogger{},
		ctx:        ctx,
		ctxCancel:  cancel,
	}
}

// SetLogger configures structured logging output.
func (s *Service) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Start subscribes to the command topic tree.
func (s *Service) Start() error {
	topic := s.topics.AllCommands()
	if err := s.mqtt.Subscribe(topic, 1, s.handleMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	s.logger.Info("command service started", "topic", topic)
	return nil
}

// Stop cancels in-flight dispatches and waits for handlers to drain.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.ctxCancel()
		s.wg.Wait()
		s.logger.Info("command service stopped")
	})
}

// handleMessage routes one broker message by its command segment.
func (s *Service) handleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	action := parts[len(parts)-1]

	switch action {
	case "set_value":
		s.handleSetValue(payload)
	case "reload":
		s.handleReload()
	default:
		s.logger.Warn("unknown command topic", "topic", topic)
	}
	return nil
}

// handleSetValue parses and dispatches one set-value request, then acks.
func (s *Service) handleSetValue(payload []byte) {
	var req SetValueRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Error("malformed set_value payload", "error", err)
		s.publishAck(Ack{
			CommandID: uuid.NewString(),
			Status:    AckFailed,
			Error:     err.Error(),
			ErrorCode: ErrCodeBadPayload,
		})
		return
	}
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}
	if req.DeviceID == "" {
		s.publishAck(Ack{
			CommandID: req.CommandID,
			Status:    AckFailed,
			Error:     "device_id is required",
			ErrorCode: ErrCodeBadPayload,
		})
		return
	}

	s.logger.Debug("dispatching set_value",
		"command_id", req.CommandID,
		"device_id", req.DeviceID,
		"index", req.Index,
	)

	ctx, cancel := context.WithTimeout(s.ctx, dispatchTimeout)
	defer cancel()

	err := s.dispatcher.SetValue(ctx, req.DeviceID, req.Index, req.Value)
	if err != nil {
		s.publishAck(Ack{
			CommandID: req.CommandID,
			DeviceID:  req.DeviceID,
			Status:    AckFailed,
			Error:     err.Error(),
			ErrorCode: errorCode(err),
		})
		return
	}

	s.publishAck(Ack{
		CommandID: req.CommandID,
		DeviceID:  req.DeviceID,
		Status:    AckOK,
	})
}

// handleReload reloads every managed entry in the background. Reloads can
// block on device dials, so the broker callback returns immediately.
func (s *Service) handleReload() {
	s.logger.Info("reload requested via command topic")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.ReloadAll(s.ctx); err != nil {
			s.logger.Error("reload failed", "error", err)
		}
	}()
}

func (s *Service) publishAck(ack Ack) {
	ack.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error("marshaling ack", "error", err)
		return
	}
	topic := s.topics.Ack(ack.CommandID)
	if err := s.mqtt.Publish(topic, payload, 1, false); err != nil {
		s.logger.Error("publishing ack", "topic", topic, "error", err)
	}
}

// errorCode maps known dispatch failures to stable ack error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound):
		return ErrCodeUnknownDevice
	case errors.Is(err, fleet.ErrNotConnected):
		return ErrCodeNotConnected
	default:
		return ErrCodeProtocol
	}
}
