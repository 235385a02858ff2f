// Package emitter publishes events and health transitions to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"watchpost/internal/pipeline"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	eventQoS       = 1
	healthQoS      = 1
)

// ErrNotConnected is returned while the broker connection is down
var ErrNotConnected = errors.New("mqtt not connected")

// MQTTEmitter publishes to {prefix}/{instance}/events/{source} and
// {prefix}/{instance}/health/{source}. Health messages are retained so late
// subscribers see the current state.
type MQTTEmitter struct {
	broker   string
	clientID string
	prefix   string
	logger   *log.Logger

	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// NewMQTTEmitter creates an emitter for broker. instanceID doubles as the
// MQTT client id.
func NewMQTTEmitter(broker, instanceID, prefix string, logger *log.Logger) *MQTTEmitter {
	if logger == nil {
		logger = log.Default()
	}
	if prefix == "" {
		prefix = "watchpost"
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	return &MQTTEmitter{
		broker:    broker,
		clientID:  instanceID,
		prefix:    strings.TrimSuffix(prefix, "/") + "/" + instanceID,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. The client reconnects on its
// own after a loss.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Printf("[MQTT] Connected to %s as %s", e.broker, e.clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Printf("[MQTT] Connection to %s lost, reconnecting: %v", e.broker, err)
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Printf("[MQTT] Connecting to %s", e.broker)

	token := e.client.Connect()
	timeout := connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// EventTopic returns the topic events of source are published on
func (e *MQTTEmitter) EventTopic(source string) string {
	return e.prefix + "/events/" + source
}

// HealthTopic returns the topic health of source is published on
func (e *MQTTEmitter) HealthTopic(source string) string {
	return e.prefix + "/health/" + source
}

// PublishEvent publishes one event
func (e *MQTTEmitter) PublishEvent(event pipeline.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.publish(e.EventTopic(event.Source), eventQoS, false, payload)
}

// PublishHealth publishes a health record as a retained message
func (e *MQTTEmitter) PublishHealth(health pipeline.DeviceHealth) error {
	payload, err := json.Marshal(health)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal health: %w", err)
	}
	return e.publish(e.HealthTopic(health.Source), healthQoS, true, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// OnEvent implements pipeline.Watcher
func (e *MQTTEmitter) OnEvent(event pipeline.Event) {
	if err := e.PublishEvent(event); err != nil {
		e.logger.Printf("[MQTT] %s: event %s: %v", event.Source, event.ID, err)
	}
}

// OnHealth implements pipeline.Watcher
func (e *MQTTEmitter) OnHealth(health pipeline.DeviceHealth) {
	if err := e.PublishHealth(health); err != nil {
		e.logger.Printf("[MQTT] %s: health %s: %v", health.Source, health.State, err)
	}
}

// Disconnect closes the broker connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Printf("[MQTT] Disconnected from %s", e.broker)
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

var _ pipeline.Watcher = (*MQTTEmitter)(nil)
