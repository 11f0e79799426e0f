package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述事件交换机的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSink 把事件发布到 topic 交换机，路由键为 "<entity>.<kind>"。
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pub      amqpPublisher
	exchange string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明交换机。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentmarket.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, pub: ch, exchange: exchange}, nil
}

// Publish 实现 Sink。
func (s *RabbitMQSink) Publish(ctx context.Context, batch []Event) error {
	if s == nil || s.pub == nil {
		return errors.New("RabbitMQ 事件通道未初始化")
	}
	for _, evt := range batch {
		body, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("编码事件失败: %w", err)
		}
		msg := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.ID,
			Timestamp:    evt.Timestamp,
			Type:         string(evt.Kind),
			Body:         body,
		}
		if err := s.pub.PublishWithContext(ctx, s.exchange, routingKey(evt), false, false, msg); err != nil {
			return fmt.Errorf("发布事件 %s 失败: %w", evt.ID, err)
		}
	}
	return nil
}

// Close 关闭 channel 与连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func routingKey(evt Event) string {
	entity := evt.Entity
	if entity == "" {
		entity = "engine"
	}
	return strings.ToLower(entity) + "." + string(evt.Kind)
}
