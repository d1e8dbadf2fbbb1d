// Package events publishes transcription lifecycle events to an MQTT
// broker so downstream consumers (billing exports, user notifications)
// can react without polling the API.
package events

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Publisher sends lifecycle events to an external broker. A nil
// Publisher is valid and drops everything, so callers never have to
// branch on whether MQTT is configured.
type Publisher struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Connect dials the broker. Returns (nil, nil) when no broker is
// configured; the nil Publisher is safe to use.
func Connect(opts Options) (*Publisher, error) {
	if opts.BrokerURL == "" {
		return nil, nil
	}

	p := &Publisher{
		prefix: "scribe/transcriptions",
		log:    opts.Log.With().Str("component", "events").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Publisher) onConnect(_ mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Str("prefix", p.prefix).Msg("mqtt connected")
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends an event as JSON. eventType is dotted, e.g.
// "transcription.completed"; the last element becomes the topic leaf.
// Fire-and-forget: publishing never blocks job processing, and an
// unreachable broker only logs.
func (p *Publisher) Publish(eventType string, payload map[string]any) {
	if p == nil {
		return
	}

	body := map[string]any{
		"event":     eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		p.log.Error().Err(err).Str("event", eventType).Msg("marshaling event failed")
		return
	}

	topic := p.prefix + "/" + topicLeaf(eventType)
	token := p.conn.Publish(topic, 0, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
		}
	}()
}

func (p *Publisher) IsConnected() bool {
	if p == nil {
		return false
	}
	return p.connected.Load()
}

// Close disconnects from the broker, allowing in-flight publishes to
// drain.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.log.Info().Msg("disconnecting mqtt publisher")
	p.conn.Disconnect(1000)
}

func topicLeaf(eventType string) string {
	if i := strings.LastIndexByte(eventType, '.'); i >= 0 {
		return eventType[i+1:]
	}
	return eventType
}
