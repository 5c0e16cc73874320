package mq

import (
	"b3bench/config"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConnectionPoolSize = 4
)

var ErrNoConnection = errors.New("no active RabbitMQ connections")

type RabbitMQ interface {
	GetChannel() (*amqp.Channel, error)
	// Publish declares the durable queue and sends one persistent message.
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume declares the durable queue and starts a manual-ack consumer.
	// The caller closes the returned channel when done.
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error)
}

type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqUrl string
	context     context.Context
	connections []*mqConnection
	mu          sync.Mutex
}

type mqConnection struct {
	conn      *amqp.Connection
	closeChan chan *amqp.Error
	logger    *zap.Logger

	closed bool
	mu     sync.Mutex
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns a pooled broker client, or nil when RABBITMQ_URL is unset.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	if p.Config.RabbitMQURL == "" {
		p.Logger.Info("RABBITMQ_URL not set, trial messages are not published")
		return nil
	}

	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger,
		rabbitmqUrl: p.Config.RabbitMQURL,
		context:     mqCtx,
		connections: make([]*mqConnection, 0, ConnectionPoolSize),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.logger.Debug("initializing RabbitMQ connection pool", zap.Int("pool_size", ConnectionPoolSize))
			for range ConnectionPoolSize {
				mConn, err := svc.newConnection()
				if err != nil {
					svc.logger.Error("failed to create initial RabbitMQ connection", zap.Error(err))
					return err
				}
				svc.mu.Lock()
				svc.connections = append(svc.connections, mConn)
				svc.mu.Unlock()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return svc
}

func (r *rabbitMQImpl) activeConnection() (*mqConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*mqConnection, 0, len(r.connections))
	alive := r.connections[:0]
	for _, c := range r.connections {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			candidates = append(candidates, c)
			alive = append(alive, c)
		}
	}
	r.connections = alive

	// refill the pool
	for len(candidates) < ConnectionPoolSize {
		mConn, err := r.newConnection()
		if err != nil {
			r.logger.Warn("failed to refill RabbitMQ connection pool", zap.Error(err))
			break
		}
		r.connections = append(r.connections, mConn)
		candidates = append(candidates, mConn)
	}

	if len(candidates) == 0 {
		return nil, ErrNoConnection
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func (r *rabbitMQImpl) newConnection() (*mqConnection, error) {
	conn, err := amqp.Dial(r.rabbitmqUrl)
	if err != nil {
		return nil, err
	}

	mConn := &mqConnection{
		conn:      conn,
		closeChan: make(chan *amqp.Error, 1),
		logger:    r.logger,
	}
	go mConn.monitor(r.context)
	return mConn, nil
}

// monitor marks the connection closed when the broker drops it. It blocks
// and is meant to run in its own goroutine.
func (c *mqConnection) monitor(ctx context.Context) {
	c.conn.NotifyClose(c.closeChan)

	select {
	case err := <-c.closeChan:
		c.logger.Error("RabbitMQ connection closed", zap.Error(err))
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	case <-ctx.Done():
	}

	c.conn.Close()
}

func (r *rabbitMQImpl) GetChannel() (*amqp.Channel, error) {
	conn, err := r.activeConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	return ch, nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (r *rabbitMQImpl) Publish(ctx context.Context, queue string, body []byte) error {
	ch, err := r.GetChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declare(ch, queue); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

func (r *rabbitMQImpl) Consume(queue string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := r.GetChannel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(
		queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return deliveries, ch, nil
}
