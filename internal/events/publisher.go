package events

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"tempo-accounts/internal/config"
)

// 生命周期事件名（下游 dashboard / 报表服务消费）
const (
	EventSubmitted = "submitted"
	EventVerified  = "verified"
	EventApproved  = "approved"
	EventRejected  = "rejected"
	EventCancelled = "cancelled"
	EventCompleted = "completed"
)

// Publisher 生命周期事件发布能力
type Publisher interface {
	Publish(event string, payload map[string]any) error
	Close()
}

// envelope 事件封套
type envelope struct {
	Event      string         `json:"event"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data"`
}

// MQTTPublisher 基于 MQTT 的事件发布器
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher 连接 broker 并创建发布器
func NewMQTTPublisher(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPublisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Publish 发布到 <topic>/<event>，QoS 1
func (p *MQTTPublisher) Publish(event string, payload map[string]any) error {
	body, err := json.Marshal(envelope{
		Event:      event,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	})
	if err != nil {
		return err
	}

	topic := p.topic + "/" + event
	token := p.client.Publish(topic, 1, false, body)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// NopPublisher MQTT 禁用时的空实现
type NopPublisher struct{}

var _ Publisher = (*NopPublisher)(nil)

func (NopPublisher) Publish(string, map[string]any) error { return nil }
func (NopPublisher) Close()                               {}
