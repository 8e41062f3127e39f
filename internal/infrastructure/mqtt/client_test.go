package mqtt

import (
	"errors"
	"testing"
)

// testClient returns a client that was never connected. Validation paths
// must fail before touching the network.
func testClient() *Client {
	return &Client{
		subscriptions: make(map[string]subscription),
	}
}

// =============================================================================
// Topic Builder Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"command set_value", topics.CommandSetValue(), "lanlink/command/set_value"},
		{"command reload", topics.CommandReload(), "lanlink/command/reload"},
		{"ack", topics.Ack("cmd-123"), "lanlink/ack/cmd-123"},
		{"device event", topics.DeviceEvent("bf1234567890"), "lanlink/device/bf1234567890/event"},
		{"platform config", topics.PlatformConfig("switch", "bf1234567890_1"), "lanlink/platform/switch/bf1234567890_1/config"},
		{"system status", topics.SystemStatus(), "lanlink/system/status"},
		{"all commands", topics.AllCommands(), "lanlink/command/+"},
		{"all platform configs", topics.AllPlatformConfigs(), "lanlink/platform/+/+/config"},
		{"all device events", topics.AllDeviceEvents(), "lanlink/device/+/event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

// =============================================================================
// Validation Tests (no broker required)
// =============================================================================

func TestPublishValidation(t *testing.T) {
	client := testClient()

	t.Run("empty topic", func(t *testing.T) {
		err := client.Publish("", []byte("payload"), 1, false)
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("got %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("invalid qos", func(t *testing.T) {
		err := client.Publish("lanlink/test", []byte("payload"), 3, false)
		if !errors.Is(err, ErrInvalidQoS) {
			t.Errorf("got %v, want ErrInvalidQoS", err)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		err := client.Publish("lanlink/test", make([]byte, maxPayloadSize+1), 1, false)
		if !errors.Is(err, ErrPublishFailed) {
			t.Errorf("got %v, want ErrPublishFailed", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		err := client.Publish("lanlink/test", []byte("payload"), 1, false)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("got %v, want ErrNotConnected", err)
		}
	})
}

func TestSubscribeValidation(t *testing.T) {
	client := testClient()
	handler := func(topic string, payload []byte) error { return nil }

	t.Run("empty topic", func(t *testing.T) {
		err := client.Subscribe("", 1, handler)
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("got %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("invalid qos", func(t *testing.T) {
		err := client.Subscribe("lanlink/test", 3, handler)
		if !errors.Is(err, ErrInvalidQoS) {
			t.Errorf("got %v, want ErrInvalidQoS", err)
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		err := client.Subscribe("lanlink/test", 1, nil)
		if !errors.Is(err, ErrSubscribeFailed) {
			t.Errorf("got %v, want ErrSubscribeFailed", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		err := client.Subscribe("lanlink/test", 1, handler)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("got %v, want ErrNotConnected", err)
		}
	})
}

func TestUnsubscribeValidation(t *testing.T) {
	client := testClient()

	t.Run("empty topic", func(t *testing.T) {
		err := client.Unsubscribe("")
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("got %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		err := client.Unsubscribe("lanlink/test")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("got %v, want ErrNotConnected", err)
		}
	})
}

func TestSubscriptionTracking(t *testing.T) {
	client := testClient()

	if count := client.SubscriptionCount(); count != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", count)
	}
	if client.HasSubscription("lanlink/test") {
		t.Error("HasSubscription() = true for untracked topic")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on never-connected client error = %v, want nil", err)
	}
}
