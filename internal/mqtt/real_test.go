package mqtt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is a paho token that has already completed.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type sent struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

// fakeClient records publishes and subscriptions. Methods the publisher
// never calls are left to the embedded nil interface.
type fakeClient struct {
	paho.Client

	mu       sync.Mutex
	sent     []sent
	subs     map[string]paho.MessageHandler
	subError error
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]paho.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{topic: topic, payload: string(payload.([]byte)), qos: qos, retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subError != nil {
		return doneToken{err: c.subError}
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, s := range c.sent {
		out[i] = s.topic
	}
	return out
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func newTestPublisher(client *fakeClient, o Options) *RealPublisher {
	if o.StateTopic == "" {
		o.StateTopic = TopicState
	}
	if o.SystemTopic == "" {
		o.SystemTopic = TopicSystem
	}
	return &RealPublisher{
		client: client,
		opts:   o,
		logger: quietLogger(),
		now:    func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) },
		buf:    newOutbox(o.BufferSize, quietLogger()),
	}
}

func TestPublisherBuffersUntilConnected(t *testing.T) {
	client := newFakeClient()
	p := newTestPublisher(client, Options{BufferSize: 10})
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := p.PublishSystem(SystemEvent{Timestamp: ts, Event: "STARTUP", Retained: true}); err != nil {
		t.Fatalf("buffered publish should not fail: %v", err)
	}
	if err := p.PublishState(ts, sampleSnapshot()); err != nil {
		t.Fatalf("buffered publish should not fail: %v", err)
	}
	if len(client.topics()) != 0 {
		t.Fatal("nothing should reach the client while disconnected")
	}

	p.onConnect(client)

	got := client.topics()
	if len(got) != 2 || got[0] != TopicSystem || got[1] != TopicState {
		t.Fatalf("replay order: got %v", got)
	}
	if !client.sent[0].retained || client.sent[0].qos != 1 {
		t.Errorf("system event flags not preserved: %+v", client.sent[0])
	}
	if !p.IsConnected() {
		t.Error("expected connected after onConnect")
	}
}

func TestPublisherCoalescesStateDuringOutage(t *testing.T) {
	client := newFakeClient()
	p := newTestPublisher(client, Options{BufferSize: 10})
	p.onConnect(client)
	p.onConnectionLost(client, nil)

	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p.PublishState(ts.Add(time.Duration(i)*30*time.Second), sampleSnapshot())
	}
	p.PublishSystem(SystemEvent{Timestamp: ts, Event: "LINK", Reason: "RECONNECTING"})

	p.onConnect(client)

	got := client.topics()
	if len(got) != 3 || got[0] != TopicSystem || got[1] != TopicState || got[2] != TopicSystem {
		t.Fatalf("expected RECONNECTED, one state, LINK; got %v", got)
	}
	if !strings.Contains(client.sent[1].payload, "12:02:00") {
		t.Errorf("expected the newest snapshot, got %s", client.sent[1].payload)
	}
}

func TestPublisherSendsDirectlyWhenConnected(t *testing.T) {
	client := newFakeClient()
	p := newTestPublisher(client, Options{BufferSize: 10})
	p.onConnect(client)

	p.PublishState(time.Now(), sampleSnapshot())

	got := client.topics()
	if len(got) != 1 || got[0] != TopicState {
		t.Fatalf("got %v", got)
	}
	if !client.sent[0].retained {
		t.Error("state should be retained")
	}
}

func TestPublisherAnnouncesReconnect(t *testing.T) {
	client := newFakeClient()
	p := newTestPublisher(client, Options{BufferSize: 10})
	p.onConnect(client)
	if len(client.topics()) != 0 {
		t.Fatal("first connect should not announce RECONNECTED")
	}

	p.onConnectionLost(client, nil)
	if p.IsConnected() {
		t.Fatal("expected disconnected")
	}
	p.PublishState(time.Now(), sampleSnapshot())

	p.onConnect(client)

	if len(client.sent) != 2 {
		t.Fatalf("expected RECONNECTED + replay, got %v", client.topics())
	}
	want := `{"system":{"timestamp":"2026-01-01T12:00:00Z","event":"RECONNECTED"}}`
	if client.sent[0].payload != want {
		t.Errorf("got %s, want %s", client.sent[0].payload, want)
	}
	if client.sent[1].topic != TopicState {
		t.Errorf("expected buffered state after RECONNECTED, got %s", client.sent[1].topic)
	}
}

func TestPublisherSubscribesToCondition(t *testing.T) {
	client := newFakeClient()
	var got []string
	p := newTestPublisher(client, Options{
		BufferSize:     10,
		ConditionTopic: TopicCondition,
		OnCondition:    func(c string) { got = append(got, c) },
	})
	p.onConnect(client)

	cb, ok := client.subs[TopicCondition]
	if !ok {
		t.Fatal("expected subscription to condition topic")
	}
	cb(client, fakeMessage{topic: TopicCondition, payload: []byte(`{"status":"WILTING"}`)})
	cb(client, fakeMessage{topic: TopicCondition, payload: []byte(`not json`)})
	cb(client, fakeMessage{topic: TopicCondition, payload: []byte(`{"status":""}`)})

	if len(got) != 1 || got[0] != "WILTING" {
		t.Errorf("conditions: got %v", got)
	}
}

func TestPublisherSkipsConditionWithoutHandler(t *testing.T) {
	client := newFakeClient()
	p := newTestPublisher(client, Options{BufferSize: 10, ConditionTopic: TopicCondition})
	p.onConnect(client)
	if len(client.subs) != 0 {
		t.Error("should not subscribe without OnCondition")
	}
}

func TestLoadTLSConfigNone(t *testing.T) {
	cfg, err := LoadTLSConfig("", "", "")
	if err != nil || cfg != nil {
		t.Errorf("expected nil config, got %v, %v", cfg, err)
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	os.WriteFile(garbage, []byte("not a certificate"), 0o600)

	tests := []struct {
		name          string
		ca, cert, key string
	}{
		{"cert without key", "", garbage, ""},
		{"missing CA", filepath.Join(dir, "nope.pem"), "", ""},
		{"CA without certificates", garbage, "", ""},
		{"bad key pair", "", garbage, garbage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTLSConfig(tt.ca, tt.cert, tt.key); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadTLSConfigMutual(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir)

	cfg, err := LoadTLSConfig(certPath, certPath, keyPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected root CAs")
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected 1 client certificate, got %d", len(cfg.Certificates))
	}
}

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "carefarm-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
	os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600)
	return certPath, keyPath
}
