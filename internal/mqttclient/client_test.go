package mqttclient

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type fakeToken struct {
	completes bool
	err       error
}

func (t *fakeToken) Wait() bool                     { return t.completes }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.completes }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.completes {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient records publishes; the embedded interface panics on anything else.
type fakeClient struct {
	mqtt.Client
	token            *fakeToken
	topics           []string
	payloads         [][]byte
	qos              byte
	disconnectCalled bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	c.qos = qos
	return c.token
}

func (c *fakeClient) Disconnect(quiesce uint) { c.disconnectCalled = true }

func newTestPublisher(tok *fakeToken) (*Publisher, *fakeClient) {
	fc := &fakeClient{token: tok}
	p := &Publisher{conn: fc, topic: "asr/transcripts", qos: 1, timeout: time.Second, log: zerolog.Nop()}
	return p, fc
}

func TestPublish_NotConnected(t *testing.T) {
	p, fc := newTestPublisher(&fakeToken{completes: true})
	if err := p.Publish("", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if len(fc.topics) != 0 {
		t.Errorf("published %d messages while disconnected", len(fc.topics))
	}
}

func TestPublish_Topics(t *testing.T) {
	p, fc := newTestPublisher(&fakeToken{completes: true})
	p.onConnect(nil)

	if err := p.Publish("", []byte("a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish("final", []byte("b")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"asr/transcripts", "asr/transcripts/final"}
	for i, w := range want {
		if fc.topics[i] != w {
			t.Errorf("topic[%d] = %q, want %q", i, fc.topics[i], w)
		}
	}
	if fc.qos != 1 {
		t.Errorf("qos = %d, want 1", fc.qos)
	}
	if string(fc.payloads[1]) != "b" {
		t.Errorf("payload = %q", fc.payloads[1])
	}
}

func TestPublish_Timeout(t *testing.T) {
	p, _ := newTestPublisher(&fakeToken{completes: false})
	p.onConnect(nil)
	if err := p.Publish("", []byte("x")); err == nil {
		t.Error("expected timeout error")
	}
}

func TestPublish_BrokerError(t *testing.T) {
	brokerErr := errors.New("not authorized")
	p, _ := newTestPublisher(&fakeToken{completes: true, err: brokerErr})
	p.onConnect(nil)
	if err := p.Publish("", []byte("x")); !errors.Is(err, brokerErr) {
		t.Errorf("err = %v, want wrapped broker error", err)
	}
}

func TestConnectionLost(t *testing.T) {
	p, fc := newTestPublisher(&fakeToken{completes: true})
	p.onConnect(nil)
	if !p.IsConnected() {
		t.Fatal("expected connected after onConnect")
	}
	p.onConnectionLost(nil, errors.New("eof"))
	if p.IsConnected() {
		t.Error("expected disconnected after connection lost")
	}
	p.Close()
	if !fc.disconnectCalled {
		t.Error("Close did not disconnect the client")
	}
	if p.Topic() != "asr/transcripts" {
		t.Errorf("Topic = %q", p.Topic())
	}
}
