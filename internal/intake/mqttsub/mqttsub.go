// Package mqttsub subscribes to detection events published by edge
// cameras over MQTT.
package mqttsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"
)

const tokenTimeout = 10 * time.Second

// Config selects the broker and topic filter.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

// Validate reports missing or out-of-range settings.
func (c Config) Validate() error {
	var errs []error
	if c.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("mqtt: topic required"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt: qos %d out of range", c.QoS))
	}
	return errors.Join(errs...)
}

// HandlerFunc processes one payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Client is the part of mqtt.Client the subscriber uses.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Subscriber delivers messages on one topic filter to a HandlerFunc.
type Subscriber struct {
	client Client
	topic  string
	qos    byte
	handle HandlerFunc
	logger log.Logger

	mu  sync.Mutex
	ctx context.Context
}

// New creates a Subscriber. Call Subscribe (or Connect, which does so on
// every connect) to start receiving.
func New(client Client, topic string, qos byte, handle HandlerFunc, logger log.Logger) *Subscriber {
	if logger == nil {
		logger = log.Nop()
	}
	return &Subscriber{client: client, topic: topic, qos: qos, handle: handle, logger: logger, ctx: context.Background()}
}

// Connect dials the broker and returns a Subscriber that resubscribes
// after every reconnect. Handlers run with ctx.
func Connect(ctx context.Context, cfg Config, handle HandlerFunc, logger log.Logger) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Subscriber{topic: cfg.Topic, qos: cfg.QoS, handle: handle, logger: logger, ctx: ctx}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOnConnectHandler(func(mqtt.Client) {
			if err := s.Subscribe(); err != nil {
				logger.Error(ctx, err, "mqtt resubscribe failed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn(ctx, "mqtt connection lost", "error", err.Error())
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	s.client = c
	tok := c.Connect()
	if !tok.WaitTimeout(tokenTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	logger.Info(ctx, "mqtt connected", "broker", cfg.Broker, "topic", cfg.Topic)
	return s, nil
}

// WithContext sets the context handlers run with.
func (s *Subscriber) WithContext(ctx context.Context) *Subscriber {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s
}

func (s *Subscriber) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Subscribe registers the topic filter.
func (s *Subscriber) Subscribe() error {
	tok := s.client.Subscribe(s.topic, s.qos, s.onMessage)
	if !tok.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out", s.topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.topic, err)
	}
	return nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}
	if err := s.handle(ctx, msg.Payload()); err != nil {
		// paho has already acknowledged the message; nothing to redeliver
		s.logger.Error(ctx, err, "mqtt message dropped", "topic", msg.Topic(), "message_id", msg.MessageID())
	}
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() {
	tok := s.client.Unsubscribe(s.topic)
	tok.WaitTimeout(time.Second)
	s.client.Disconnect(250)
}
