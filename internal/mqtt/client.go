// Package mqtt wraps the Paho client behind the small surface the pipeline
// and the alert publisher need.
package mqtt

import (
	"errors"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config describes the broker connection.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	QoS            byte
}

// Client is a thin wrapper over a connected Paho client.
type Client struct {
	inner   paho.Client
	qos     byte
	timeout time.Duration
	logger  *log.Logger
}

// Connect dials the broker and blocks until the session is up or the
// connect timeout elapses. The session persists across broker restarts:
// auto-reconnect is on and the session is not cleaned, so the broker queues
// QoS>0 messages while we are away.
func Connect(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqtt: empty client id")
	}
	if logger == nil {
		logger = log.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Printf("mqtt: connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Printf("mqtt: connected to %s", cfg.BrokerURL)
	})

	inner := paho.NewClient(opts)
	token := inner.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return &Client{inner: inner, qos: cfg.QoS, timeout: timeout, logger: logger}, nil
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if handler == nil {
		return errors.New("mqtt: nil handler")
	}
	token := c.inner.Subscribe(topic, c.qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt: subscribe %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe drops the topic subscription.
func (c *Client) Unsubscribe(topic string) error {
	token := c.inner.Unsubscribe(topic)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt: unsubscribe %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload to topic and waits up to timeout for the broker ack.
func (c *Client) Publish(topic string, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	token := c.inner.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Disconnect flushes in-flight work and closes the connection.
func (c *Client) Disconnect(grace time.Duration) {
	if grace <= 0 {
		grace = 250 * time.Millisecond
	}
	c.inner.Disconnect(uint(grace.Milliseconds()))
}
