package mesh

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the surface Bridge drives, narrowed from paho's own
// mqtt.Client so tests can substitute a fake broker.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// pahoClient wraps the real paho client behind Client.
type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token { return p.client.Connect() }
func (p *pahoClient) Disconnect(quiesce uint) { p.client.Disconnect(quiesce) }
func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}
func (p *pahoClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return p.client.Subscribe(topic, qos, callback)
}
func (p *pahoClient) IsConnected() bool { return p.client.IsConnected() }
