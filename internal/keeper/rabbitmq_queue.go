package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 keeper 作业队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// amqpChannel 是队列用到的 channel 方法，测试中可替换。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

const rabbitConsumerTag = "auctiond-keeper"

// RabbitMQQueue 把作业放进 RabbitMQ 的工作队列。每条消息的 MessageId
// 是作业本身，Type 是动作名，持久化队列上的消息以 persistent 模式投递。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	ch         amqpChannel
	closeCh    func() error
	queue      string
	persistent bool
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明作业队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
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
	fail := func(msg string, err error) (*RabbitMQQueue, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail("设置 RabbitMQ QOS 失败", err)
		}
	}
	q := newRabbitMQQueue(ch, cfg)
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fail("声明 RabbitMQ 队列失败", err)
	}
	q.conn = conn
	q.closeCh = ch.Close
	return q, nil
}

func newRabbitMQQueue(ch amqpChannel, cfg RabbitMQConfig) *RabbitMQQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "agentmarket.keeper"
	}
	return &RabbitMQQueue{ch: ch, queue: queue, persistent: cfg.Durable}
}

// Publish 把作业投递到默认交换机，路由键为队列名。
func (q *RabbitMQQueue) Publish(ctx context.Context, job string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   job,
		Timestamp:   time.Now().UTC(),
		AppId:       rabbitConsumerTag,
		Body:        []byte(job),
	}
	if parsed, err := ParseJob(job); err == nil {
		msg.Type = string(parsed.Action)
	}
	if q.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
}

// Consume 以手动确认模式消费。处理失败的消息重新入队一次，再次失败则丢弃，
// 下一轮扫描会重新发现仍未处理的拍卖。连接断开时返回错误。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.queue, rabbitConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	work := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				settle(msg.Acknowledger, msg.DeliveryTag, msg.Redelivered, handler(ctx, string(msg.Body)))
			}
		}()
	}

	err = q.dispatch(ctx, deliveries, work)
	close(work)
	wg.Wait()
	return err
}

func (q *RabbitMQQueue) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, work chan<- amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			_ = q.ch.Cancel(rabbitConsumerTag, false)
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("RabbitMQ 投递通道已关闭")
			}
			select {
			case work <- msg:
			case <-ctx.Done():
				settle(msg.Acknowledger, msg.DeliveryTag, false, ctx.Err())
				_ = q.ch.Cancel(rabbitConsumerTag, false)
				return ctx.Err()
			}
		}
	}
}

// settle 根据处理结果确认消息。
func settle(ack amqp.Acknowledger, tag uint64, redelivered bool, err error) {
	if ack == nil {
		return
	}
	if err == nil {
		_ = ack.Ack(tag, false)
		return
	}
	_ = ack.Nack(tag, false, !redelivered)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.closeCh != nil {
		_ = q.closeCh()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
