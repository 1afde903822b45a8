package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fieldtracker/internal/geo"
)

const sourceMQTT = "mqtt"

// unsubscribeTimeout bounds stream teardown; the keep-alive controller
// waits on this chain while holding its mutex, so an unresponsive broker
// must not stall it.
const unsubscribeTimeout = 2 * time.Second

// fixPayload is the JSON shape published by the tracking hardware.
type fixPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float32 `json:"accuracy_m"`
	Timestamp string  `json:"timestamp"`
}

// MQTTSource receives fixes pushed by dedicated tracking hardware over an
// MQTT topic. This is the high-accuracy vendor path: the device computes
// its own fused position and publishes at its own rate.
type MQTTSource struct {
	broker   string
	topic    string
	clientID string

	mu     sync.Mutex
	client mqtt.Client
	closed bool
}

func NewMQTTSource(broker, topic, clientID string) *MQTTSource {
	return &MQTTSource{broker: broker, topic: topic, clientID: clientID}
}

func (m *MQTTSource) Name() string { return sourceMQTT }

// connect establishes the broker session lazily on first use.
func (m *MQTTSource) connect() (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("mqtt source: %w", geo.ErrNoProvider)
	}
	if m.client != nil && m.client.IsConnected() {
		return m.client, nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(m.broker).
		SetClientID(m.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w (%v)", m.broker, geo.ErrNoProvider, token.Error())
	}
	m.client = client
	return client, nil
}

// Current subscribes and waits for the next published fix.
func (m *MQTTSource) Current(ctx context.Context) (geo.Sample, error) {
	client, err := m.connect()
	if err != nil {
		return geo.Sample{}, err
	}

	fixes := make(chan geo.Sample, 1)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s, err := decodeFix(msg.Payload())
		if err != nil {
			log.Printf("mqtt fix decode: %v", err)
			return
		}
		select {
		case fixes <- s:
		default:
		}
	}
	if token := client.Subscribe(m.topic, 1, handler); token.Wait() && token.Error() != nil {
		return geo.Sample{}, fmt.Errorf("subscribe %s: %w (%v)", m.topic, geo.ErrProviderInternal, token.Error())
	}
	defer client.Unsubscribe(m.topic)

	select {
	case <-ctx.Done():
		return geo.Sample{}, ctx.Err()
	case s := <-fixes:
		return s, nil
	}
}

// Watch subscribes for the lifetime of ctx. Fixes arriving faster than the
// requested interval are dropped so downstream sees at most one per tick.
func (m *MQTTSource) Watch(ctx context.Context, interval time.Duration) (<-chan geo.Sample, error) {
	client, err := m.connect()
	if err != nil {
		return nil, err
	}

	out := make(chan geo.Sample, 16)
	var streamMu sync.Mutex
	var streamDone bool
	var lastEmit time.Time
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s, err := decodeFix(msg.Payload())
		if err != nil {
			log.Printf("mqtt fix decode: %v", err)
			return
		}
		streamMu.Lock()
		defer streamMu.Unlock()
		if streamDone || time.Since(lastEmit) < interval {
			return
		}
		lastEmit = time.Now()
		select {
		case out <- s:
		default:
		}
	}
	if token := client.Subscribe(m.topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribe %s: %w (%v)", m.topic, geo.ErrProviderInternal, token.Error())
	}

	go func() {
		<-ctx.Done()
		if !client.Unsubscribe(m.topic).WaitTimeout(unsubscribeTimeout) {
			log.Printf("mqtt unsubscribe %s timed out", m.topic)
		}
		streamMu.Lock()
		streamDone = true
		streamMu.Unlock()
		close(out)
	}()
	return out, nil
}

// Close disconnects from the broker. Idempotent.
func (m *MQTTSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.client = nil
	return nil
}

func decodeFix(raw []byte) (geo.Sample, error) {
	var p fixPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return geo.Sample{}, fmt.Errorf("decode fix payload: %w", err)
	}
	return geo.Sample{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		AccuracyM: p.AccuracyM,
		Source:    sourceMQTT,
	}, nil
}
