package queue

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidagent/scan"
)

type sentMessage struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	up   bool
	fail bool
	sent []sentMessage
}

func (f *fakeTransport) connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeTransport) publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, sentMessage{topic: topic, qos: qos, payload: payload})
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestClient(tr transport) *Client {
	return &Client{
		clientID: "term-1",
		cfg: Config{
			Host:     "localhost",
			Inbound:  "terminal_term-1",
			Outbound: "scan_results",
		},
		tr:  tr,
		log: zerolog.Nop(),
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Inbound: "in", Outbound: "out"}, "term-1", Handlers{})
	assert.Error(t, err)

	_, err = New(Config{Host: "localhost", Outbound: "out"}, "term-1", Handlers{})
	assert.Error(t, err)

	_, err = New(Config{Host: "localhost", Inbound: "in", Outbound: "out"}, "", Handlers{})
	assert.Error(t, err)

	_, err = New(Config{Host: "localhost", Inbound: "in", Outbound: "out"}, "term-1", Handlers{})
	assert.NoError(t, err)
}

func TestPublishResultSendsToOutboundQueue(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := newTestClient(tr)

	res := scan.Result{RequestID: "req-1", TerminalID: "term-1", Status: scan.StatusSuccess, CardUID: "04A1B2C3"}
	require.NoError(t, c.PublishResult(res))

	sent := tr.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "scan_results", sent[0].topic)
	assert.Equal(t, byte(1), sent[0].qos)

	var decoded scan.Result
	require.NoError(t, json.Unmarshal(sent[0].payload, &decoded))
	assert.Equal(t, res, decoded)
}

func TestPublishWhileDisconnectedParksResult(t *testing.T) {
	tr := &fakeTransport{up: false}
	c := newTestClient(tr)

	require.NoError(t, c.PublishResult(scan.Result{RequestID: "req-1", Status: scan.StatusTimeout}))
	assert.Empty(t, tr.messages())

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestPublishFailureParksResult(t *testing.T) {
	tr := &fakeTransport{up: true, fail: true}
	c := newTestClient(tr)

	require.NoError(t, c.PublishResult(scan.Result{RequestID: "req-1", Status: scan.StatusSuccess}))

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestFlushPendingPreservesOrder(t *testing.T) {
	tr := &fakeTransport{up: false}
	c := newTestClient(tr)

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		require.NoError(t, c.PublishResult(scan.Result{RequestID: id, Status: scan.StatusSuccess}))
	}

	tr.mu.Lock()
	tr.up = true
	tr.mu.Unlock()
	c.flushPending()

	sent := tr.messages()
	require.Len(t, sent, 3)
	for i, id := range []string{"req-1", "req-2", "req-3"} {
		var decoded scan.Result
		require.NoError(t, json.Unmarshal(sent[i].payload, &decoded))
		assert.Equal(t, id, decoded.RequestID)
	}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

func TestPublishStatusSkippedWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{up: false}
	c := newTestClient(tr)

	c.PublishStatus()
	assert.Empty(t, tr.messages())

	tr.mu.Lock()
	tr.up = true
	tr.mu.Unlock()
	c.PublishStatus()

	sent := tr.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "terminals/term-1/status", sent[0].topic)
}

type fakeMessage struct {
	payload []byte
	acked   bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "terminal_term-1" }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked = true }

func TestOnMessageDispatchesRequest(t *testing.T) {
	c := newTestClient(&fakeTransport{up: true})

	var got scan.Request
	c.Consume(func(req scan.Request) { got = req })

	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(scan.Request{RequestID: "req-1", TerminalID: "term-1", IssuedAt: issued})
	require.NoError(t, err)

	msg := &fakeMessage{payload: payload}
	c.onMessage(nil, msg)

	assert.True(t, msg.acked, "message must be acked after handling")
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "term-1", got.TerminalID)
	assert.True(t, got.IssuedAt.Equal(issued))
}

func TestOnMessageDropsMalformedPayload(t *testing.T) {
	c := newTestClient(&fakeTransport{up: true})

	called := false
	c.Consume(func(scan.Request) { called = true })

	msg := &fakeMessage{payload: []byte("not json")}
	c.onMessage(nil, msg)
	assert.True(t, msg.acked, "poison messages are acked and dropped")
	assert.False(t, called)

	msg = &fakeMessage{payload: []byte(`{"terminal_id":"term-1"}`)}
	c.onMessage(nil, msg)
	assert.True(t, msg.acked)
	assert.False(t, called, "requests without request_id are dropped")
}

func TestBrokerURL(t *testing.T) {
	url, tlsCfg, err := brokerURL(Config{Host: "broker.local"})
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:1883", url)
	assert.Nil(t, tlsCfg)

	url, tlsCfg, err = brokerURL(Config{Host: "broker.local", Port: 5555})
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.local:5555", url)
	assert.Nil(t, tlsCfg)
}
