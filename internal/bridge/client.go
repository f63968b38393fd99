package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"shadegate/internal/logger"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnectDelay = 30 * time.Second
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrNotConnected     = errors.New("mqtt not connected")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrSubscribeFailed  = errors.New("mqtt subscribe failed")
)

// Client is the slice of an MQTT client the bridge uses.
type Client interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

// PahoClient is a Client backed by paho. Subscriptions are restored after
// every reconnect.
type PahoClient struct {
	client pahomqtt.Client
	qos    byte
	log    *logger.Logger

	mu   sync.Mutex
	subs map[string]func(topic string, payload []byte)

	willTopic string
}

// Dial connects to the broker in cfg. The bridge availability topic is
// registered as last will so consumers see the gateway drop.
func Dial(cfg Config, log *logger.Logger) (*PahoClient, error) {
	cfg = cfg.withDefaults()
	c := &PahoClient{
		qos:       cfg.QoS,
		log:       logger.OrNop(log).Named("mqtt"),
		subs:      make(map[string]func(string, []byte)),
		willTopic: cfg.bridgeAvailabilityTopic(),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectDelay)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(c.willTopic, string(payloadOffline), cfg.QoS, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warnw("mqtt_connection_lost", "err", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.log.Infow("mqtt_connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return c, nil
}

func (c *PahoClient) handleConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, h := range c.subs {
		c.client.Subscribe(topic, c.qos, wrap(h))
	}
	c.client.Publish(c.willTopic, c.qos, true, payloadOnline)
}

func (c *PahoClient) Publish(topic string, payload []byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (c *PahoClient) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, wrap(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Close publishes the graceful offline status and disconnects.
func (c *PahoClient) Close() {
	if c.client.IsConnectionOpen() {
		c.client.Publish(c.willTopic, c.qos, true, payloadOffline).WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
}

func wrap(h func(string, []byte)) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}
