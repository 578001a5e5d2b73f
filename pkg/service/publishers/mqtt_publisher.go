// Zaparoo Braille
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Braille.
//
// Zaparoo Braille is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Braille is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Braille.  If not, see <http://www.gnu.org/licenses/>.

// Package publishers relays service events to external brokers.
package publishers

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/ZaparooProject/zaparoo-braille/pkg/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

// retained events describe device state, so a late subscriber still sees
// the last known status of the fleet.
var retained = []string{
	models.NotificationDevicesConnected,
	models.NotificationDevicesError,
}

// MQTTPublisher publishes events to "<topic>/<method>", with the method's
// dots turned into topic levels. The payload is the event params.
type MQTTPublisher struct {
	client    mqtt.Client
	newClient func(*mqtt.ClientOptions) mqtt.Client
	stop      chan struct{}
	done      chan struct{}
	broker    string
	topic     string
	filter    []string
}

func NewMQTTPublisher(broker, topic string, filter []string) *MQTTPublisher {
	return &MQTTPublisher{
		newClient: mqtt.NewClient,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		broker:    broker,
		topic:     strings.TrimSuffix(topic, "/"),
		filter:    filter,
	}
}

// FromConfig builds a publisher per enabled MQTT entry.
func FromConfig(cfg *config.Instance) []*MQTTPublisher {
	var pubs []*MQTTPublisher
	for _, p := range cfg.GetMQTTPublishers() {
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		if p.Broker == "" || p.Topic == "" {
			log.Warn().Str("broker", p.Broker).Str("topic", p.Topic).Msg("skipping incomplete mqtt publisher")
			continue
		}
		pubs = append(pubs, NewMQTTPublisher(p.Broker, p.Topic, p.Filter))
	}
	return pubs
}

// Filter returns the event methods this publisher relays; empty means all.
func (p *MQTTPublisher) Filter() []string {
	return p.filter
}

// Start connects and relays events until Stop or until events closes.
func (p *MQTTPublisher) Start(events <-chan models.Notification) error {
	for _, f := range p.filter {
		if !slices.Contains(models.AllNotifications, f) {
			log.Warn().Str("filter", f).Msg("mqtt filter names an unknown event")
		}
	}

	if p.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker("tcp://" + p.broker)
		opts.SetClientID("zaparoo-braille-" + uuid.New().String()[:8])
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectTimeout(connectTimeout)
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("broker", p.broker).Msg("mqtt connection lost")
		}
		p.client = p.newClient(opts)
	}

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.broker, token.Error())
	}
	log.Info().Str("broker", p.broker).Str("topic", p.topic).Msg("mqtt publisher connected")

	go p.relay(events)
	return nil
}

// Stop ends the relay and disconnects. It is safe to call more than once.
func (p *MQTTPublisher) Stop() {
	select {
	case <-p.stop:
		return
	default:
		close(p.stop)
	}
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
}

// Done is closed when the relay goroutine exits.
func (p *MQTTPublisher) Done() <-chan struct{} {
	return p.done
}

func (p *MQTTPublisher) relay(events <-chan models.Notification) {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if !p.matches(n.Method) {
				continue
			}
			p.publish(n)
		}
	}
}

func (p *MQTTPublisher) publish(n models.Notification) {
	topic := p.topicFor(n.Method)
	payload := []byte(n.Params)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	token := p.client.Publish(topic, 0, slices.Contains(retained, n.Method), payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		return
	}
	log.Debug().Str("topic", topic).Msg("published event")
}

func (p *MQTTPublisher) topicFor(method string) string {
	return p.topic + "/" + strings.ReplaceAll(method, ".", "/")
}

func (p *MQTTPublisher) matches(method string) bool {
	return len(p.filter) == 0 || slices.Contains(p.filter, method)
}
