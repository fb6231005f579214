package mqttclient

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Publisher publishes finalized transcripts to a broker topic.
type Publisher struct {
	conn      mqtt.Client
	topic     string
	qos       byte
	timeout   time.Duration
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
	QoS       byte
	// Timeout bounds each publish; 0 means 5s.
	Timeout time.Duration
	Log     zerolog.Logger
}

func Connect(opts Options) (*Publisher, error) {
	p := &Publisher{
		topic:   opts.Topic,
		qos:     opts.QoS,
		timeout: opts.Timeout,
		log:     opts.Log,
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
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
	p.log.Info().Str("topic", p.topic).Msg("mqtt connected")
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends payload to the configured topic, or to topic/suffix when
// suffix is non-empty.
func (p *Publisher) Publish(suffix string, payload []byte) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	topic := p.topic
	if suffix != "" {
		topic += "/" + suffix
	}
	token := p.conn.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish to %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Topic returns the base topic.
func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

func (p *Publisher) Close() {
	p.log.Info().Msg("disconnecting mqtt client")
	p.conn.Disconnect(1000)
}
