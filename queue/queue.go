package queue

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidagent/scan"
)

const (
	connectRetryInterval = 2 * time.Second
	maxReconnectInterval = 30 * time.Second
	publishTimeout       = 5 * time.Second
)

// Config holds broker connection settings.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Inbound  string `yaml:"inbound"`  // scan request queue
	Outbound string `yaml:"outbound"` // scan result queue

	// Optional mutual TLS
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Handlers holds callbacks for connectivity transitions.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
}

// transport abstracts the live broker connection for tests.
type transport interface {
	connected() bool
	publish(topic string, qos byte, payload []byte) error
}

// Client is the terminal's link to the message broker. It consumes
// scan requests from the inbound queue at QoS 1 with manual acks and
// publishes scan results to the outbound queue, reconnecting
// automatically on connection loss. Results that cannot be sent are
// parked and flushed after reconnection rather than dropped.
type Client struct {
	clientID string
	handlers Handlers
	log      zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	client  paho.Client
	tr      transport
	handler func(scan.Request)
	pending []scan.Result
}

// New validates the configuration and creates a disconnected client.
func New(cfg Config, clientID string, handlers Handlers) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("queue: broker host missing")
	}
	if cfg.Inbound == "" || cfg.Outbound == "" {
		return nil, fmt.Errorf("queue: inbound and outbound queue names required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("queue: client id missing")
	}

	return &Client{
		clientID: clientID,
		cfg:      cfg,
		handlers: handlers,
		log:      log.With().Str("component", "queue").Logger(),
	}, nil
}

// Consume registers the handler invoked once per inbound scan request,
// in broker delivery order (paho's ordered dispatch is kept, so the
// handler must not block). Messages are acknowledged after the handler
// returns, so a handler must have accepted responsibility for producing
// a result by then. Call before Connect so no delivery is missed.
func (c *Client) Consume(handler func(scan.Request)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Connect dials the broker and blocks until the first connection
// succeeds. Connection loss afterwards is handled by automatic
// reconnection with bounded backoff; the inbound subscription is
// re-established and parked results are flushed on every reconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	broker, tlsConfig, err := brokerURL(cfg)
	if err != nil {
		return err
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetKeepAlive(60 * time.Second).
		SetAutoAckDisabled(true).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnect)

	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	client := paho.NewClient(opts)

	c.mu.Lock()
	c.client = client
	c.tr = pahoTransport{client: client}
	c.mu.Unlock()

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect: %w", token.Error())
	}
	return nil
}

// Disconnect closes the broker connection. Parked results and the
// consume handler are retained for a later Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.tr = nil
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

// Reconnect tears down the current connection and re-establishes the
// link with new configuration. The dial happens in the background;
// results published before it completes are parked as usual.
func (c *Client) Reconnect(cfg Config) {
	c.Disconnect()

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	go func() {
		if err := c.Connect(); err != nil {
			c.log.Error().Err(err).Msg("broker reconnect failed")
		}
	}()
}

// IsConnected reports broker connectivity for status snapshots.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	return tr != nil && tr.connected()
}

// PublishResult sends one scan result to the outbound queue. Transport
// failures park the result for retry after reconnection; an error is
// returned only when the result cannot be encoded at all.
func (c *Client) PublishResult(res scan.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	c.mu.Lock()
	tr := c.tr
	topic := c.cfg.Outbound
	c.mu.Unlock()

	if tr == nil || !tr.connected() {
		c.park(res)
		return nil
	}
	if err := tr.publish(topic, 1, payload); err != nil {
		c.log.Warn().Err(err).Str("request_id", res.RequestID).Msg("publish failed, parking result")
		c.park(res)
		return nil
	}

	c.log.Info().Str("request_id", res.RequestID).Str("status", res.Status).Msg("result published")
	return nil
}

// PublishStatus sends a best-effort liveness ping on the terminal
// status topic.
func (c *Client) PublishStatus() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if tr == nil || !tr.connected() {
		return
	}
	topic := fmt.Sprintf("terminals/%s/status", c.clientID)
	if err := tr.publish(topic, 0, []byte(`{"status":"ok"}`)); err != nil {
		c.log.Debug().Err(err).Msg("status ping failed")
	}
}

func (c *Client) park(res scan.Result) {
	c.mu.Lock()
	c.pending = append(c.pending, res)
	n := len(c.pending)
	c.mu.Unlock()

	c.log.Info().Str("request_id", res.RequestID).Int("pending", n).Msg("result parked until reconnect")
}

func (c *Client) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, res := range queued {
		if err := c.PublishResult(res); err != nil {
			c.log.Error().Err(err).Str("request_id", res.RequestID).Msg("flush pending result")
		}
	}
}

func (c *Client) handleConnect(client paho.Client) {
	c.mu.Lock()
	inbound := c.cfg.Inbound
	c.mu.Unlock()

	c.log.Info().Str("queue", inbound).Msg("broker connected")

	if token := client.Subscribe(inbound, 1, c.onMessage); token.Wait() && token.Error() != nil {
		c.log.Error().Err(token.Error()).Str("queue", inbound).Msg("subscribe failed")
	}

	c.flushPending()

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
}

func (c *Client) handleConnectionLost(_ paho.Client, err error) {
	c.log.Warn().Err(err).Msg("broker connection lost")
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
}

// onMessage decodes one inbound scan request and hands it to the
// consumer. Malformed payloads are acknowledged and dropped so a
// poison message cannot wedge the queue.
func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	defer msg.Ack()

	var req scan.Request
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		c.log.Warn().Err(err).Msg("discarding malformed scan request")
		return
	}
	if req.RequestID == "" {
		c.log.Warn().Msg("discarding scan request without request_id")
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h(req)
	}
}

type pahoTransport struct {
	client paho.Client
}

func (t pahoTransport) connected() bool {
	return t.client.IsConnectionOpen()
}

func (t pahoTransport) publish(topic string, qos byte, payload []byte) error {
	token := t.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func brokerURL(cfg Config) (string, *tls.Config, error) {
	if cfg.CACert == "" && cfg.ClientCert == "" {
		port := cfg.Port
		if port == 0 {
			port = 1883
		}
		return fmt.Sprintf("tcp://%s:%d", cfg.Host, port), nil, nil
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("build TLS config: %w", err)
	}
	port := cfg.Port
	if port == 0 {
		port = 8883
	}
	return fmt.Sprintf("ssl://%s:%d", cfg.Host, port), tlsConfig, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		caPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
