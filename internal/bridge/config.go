package bridge

import "strings"

const (
	defaultTopicPrefix     = "shadegate"
	defaultDiscoveryPrefix = "homeassistant"
	defaultClientID        = "shadegate"
)

// Config holds broker and topic settings.
type Config struct {
	Broker          string // e.g. tcp://127.0.0.1:1883
	ClientID        string
	Username        string
	Password        string
	QoS             byte
	TopicPrefix     string
	DiscoveryPrefix string
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	c.TopicPrefix = strings.Trim(c.TopicPrefix, "/")
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
	c.DiscoveryPrefix = strings.Trim(c.DiscoveryPrefix, "/")
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = defaultDiscoveryPrefix
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	return c
}

func (c Config) bridgeAvailabilityTopic() string {
	return c.TopicPrefix + "/bridge/availability"
}
