package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ferrocompanion/ferrocompanion/pkg/log"
	"github.com/levenlabs/go-lflag"
)

// MQTTStore implements Store over an MQTT broker. Entity states arrive on
// retained topics under <prefix>/state/<entity-id> and are cached
// in-process; writes and button presses publish to the matching command
// topics. Each device publishes its entity list on a retained
// <prefix>/meta/<device-id> topic.
type MQTTStore struct {
	client mqtt.Client
	prefix string

	mu      sync.RWMutex
	states  map[string]string
	devices map[string][]Entity
}

// ConfiguredMQTT sets up an MQTTStore from flags. The connection is
// established during lflag.Do.
func ConfiguredMQTT() *MQTTStore {
	broker := lflag.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker address")
	clientID := lflag.String("mqtt-client-id", "ferrocompanion", "MQTT client ID")
	prefix := lflag.String("mqtt-prefix", "ferroamp", "MQTT topic prefix for the optimizer device")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")

	s := &MQTTStore{
		states:  make(map[string]string),
		devices: make(map[string][]Entity),
	}

	lflag.Do(func() {
		s.prefix = *prefix
		opts := mqtt.NewClientOptions().
			AddBroker(*broker).
			SetClientID(*clientID).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(5 * time.Second).
			SetOrderMatters(false)
		if *username != "" {
			opts.SetUsername(*username)
			opts.SetPassword(*password)
		}
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			// re-subscribe after every (re)connect so retained state and
			// metadata repopulate the caches
			c.Subscribe(s.prefix+"/state/#", 1, s.handleState)
			c.Subscribe(s.prefix+"/meta/#", 1, s.handleMeta)
		})
		s.client = mqtt.NewClient(opts)
		if tok := s.client.Connect(); tok.Wait() && tok.Error() != nil {
			slog.Error("failed to connect to mqtt broker",
				"broker", *broker,
				"error", tok.Error(),
			)
		}
	})

	return s
}

func (s *MQTTStore) handleState(_ mqtt.Client, msg mqtt.Message) {
	id := strings.TrimPrefix(msg.Topic(), s.prefix+"/state/")
	s.mu.Lock()
	s.states[id] = string(msg.Payload())
	s.mu.Unlock()
}

type metaEntity struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
}

func (s *MQTTStore) handleMeta(_ mqtt.Client, msg mqtt.Message) {
	deviceID := strings.TrimPrefix(msg.Topic(), s.prefix+"/meta/")
	var raw []metaEntity
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		slog.Warn("invalid device metadata payload",
			"device", deviceID,
			"error", err,
		)
		return
	}
	ents := make([]Entity, 0, len(raw))
	for _, e := range raw {
		ents = append(ents, Entity{ID: e.ID, OriginalName: e.OriginalName})
	}
	s.mu.Lock()
	s.devices[deviceID] = ents
	s.mu.Unlock()
}

// Get returns the last retained state seen for the entity.
func (s *MQTTStore) Get(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	v, ok := s.states[id]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no state for entity %s: %w", id, ErrNotReady)
	}
	return v, nil
}

// SetValue publishes a numeric setpoint to the entity's command topic.
func (s *MQTTStore) SetValue(ctx context.Context, id string, value float64) error {
	payload := strconv.FormatFloat(value, 'f', -1, 64)
	return s.publish(ctx, s.prefix+"/set/"+id, payload)
}

// Press publishes a press to a button entity's command topic.
func (s *MQTTStore) Press(ctx context.Context, id string) error {
	return s.publish(ctx, s.prefix+"/press/"+id, "PRESS")
}

func (s *MQTTStore) publish(ctx context.Context, topic, payload string) error {
	log.Ctx(ctx).Debug("publishing to device",
		"topic", topic,
		"payload", payload,
	)
	tok := s.client.Publish(topic, 1, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Siblings returns all entities of the device that owns entityID.
func (s *MQTTStore) Siblings(ctx context.Context, entityID string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ents := range s.devices {
		for _, e := range ents {
			if e.ID == entityID {
				out := make([]Entity, len(ents))
				copy(out, ents)
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("no device metadata for entity %s: %w", entityID, ErrNotReady)
}

// Close disconnects from the broker.
func (s *MQTTStore) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
