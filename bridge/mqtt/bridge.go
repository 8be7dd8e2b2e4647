// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package mqtt republishes the device hierarchy over MQTT. Each device gets
// a retained state topic and a retained credentials topic, so late
// subscribers see current state immediately; forgetting a device clears its
// retained messages.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/openoath/oathd/publish"
)

// Config for the bridge connection.
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker   string
	Username string
	Password string
	ClientID string

	// Topic is the topic prefix; device topics are <Topic>/<id>/state and
	// <Topic>/<id>/credentials.
	Topic string
}

// Bridge forwards hierarchy notifications to a broker.
type Bridge struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
	done   chan struct{}
}

// New connects to the broker. The returned bridge is not yet running; call
// Run with a subscription.
func New(cfg Config, logger *zap.Logger) (*Bridge, error) {
	if cfg.Topic == "" {
		cfg.Topic = "oathd"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("oathd-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return &Bridge{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// deviceState is the payload of the state topic; the credential list is
// published separately so dashboards can subscribe to state alone.
type deviceState struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Model            string    `json:"model"`
	Brand            string    `json:"brand"`
	State            string    `json:"state"`
	StateMessage     string    `json:"state_message,omitempty"`
	LastSeen         time.Time `json:"last_seen"`
	RequiresPassword bool      `json:"requires_password"`
	HasValidPassword bool      `json:"has_valid_password"`
	Credentials      int       `json:"credentials"`
}

// Run consumes the subscription until its channel closes or Close is
// called. Publish failures are logged and skipped; the broker connection
// retries on its own.
func (b *Bridge) Run(sub *publish.Subscription) {
	defer close(b.done)
	for n := range sub.C {
		switch n.Kind {
		case publish.KindDeviceRemoved:
			b.clear(n.DeviceID)
		case publish.KindTouchRequested:
			b.publish(b.topic+"/"+n.DeviceID+"/touch", false, map[string]string{
				"credential": n.Credential,
			})
		default:
			b.publishDevice(n.Device)
			if n.Kind == publish.KindCredentialsChanged {
				b.publish(b.topic+"/"+n.DeviceID+"/credentials", true, n.Device.Credentials)
			}
		}
	}
}

// Close disconnects from the broker after the run loop drains.
func (b *Bridge) Close() {
	<-b.done
	b.client.Disconnect(250)
}

func (b *Bridge) publishDevice(node publish.DeviceNode) {
	b.publish(b.topic+"/"+node.ID+"/state", true, deviceState{
		ID:               node.ID,
		Name:             node.Name,
		Model:            node.Model,
		Brand:            node.Brand,
		State:            node.State,
		StateMessage:     node.StateMessage,
		LastSeen:         node.LastSeen,
		RequiresPassword: node.RequiresPassword,
		HasValidPassword: node.HasValidPassword,
		Credentials:      len(node.Credentials),
	})
}

func (b *Bridge) publish(topic string, retain bool, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("mqtt payload encoding failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	token := b.client.Publish(topic, 0, retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			b.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
}

func (b *Bridge) clear(deviceID string) {
	for _, suffix := range []string{"/state", "/credentials"} {
		token := b.client.Publish(b.topic+"/"+deviceID+suffix, 0, true, []byte{})
		go func(topic string) {
			if token.Wait() && token.Error() != nil {
				b.logger.Warn("mqtt clear failed", zap.String("topic", topic), zap.Error(token.Error()))
			}
		}(b.topic + "/" + deviceID + suffix)
	}
}
