package gateway

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTTransport publishes events to an external MQTT broker, one topic per
// event name under a configurable prefix (e.g. resqlink/new-data).
type MQTTTransport struct {
	client      mqtt.Client
	topicPrefix string
}

// NewMQTT connects to the broker and returns the transport. brokerURL uses
// paho syntax, e.g. tcp://localhost:1883.
func NewMQTT(brokerURL, clientID, topicPrefix string) (*MQTTTransport, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	if topicPrefix == "" {
		topicPrefix = "resqlink"
	}

	return &MQTTTransport{client: client, topicPrefix: topicPrefix}, nil
}

// Publish sends the payload at QoS 0. Delivery guarantees belong to the
// broker, not this core.
func (m *MQTTTransport) Publish(event string, payload []byte) error {
	token := m.client.Publish(m.topicPrefix+"/"+event, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", event)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", event, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to flush.
func (m *MQTTTransport) Close() error {
	m.client.Disconnect(250)
	return nil
}
