package dispatch

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Transport bundles the publisher and the subscribers a process needs: Jobs
// reads the shared work queue, Replies reads this instance's reply topic.
type Transport struct {
	Publisher message.Publisher
	Jobs      message.Subscriber
	Replies   message.Subscriber

	close func() error
}

// DeclareQueue creates queue on the broker ahead of any consumer, so
// messages published before a worker subscribes are kept. Transports
// without declarable queues do nothing.
func (t *Transport) DeclareQueue(queue string) error {
	initializer, ok := t.Jobs.(message.SubscribeInitializer)
	if !ok {
		return nil
	}
	if err := initializer.SubscribeInitialize(queue); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// NewInProcessTransport keeps messages in memory. API and worker must run in
// the same process, and subscribers must be attached before publishing:
// messages on a topic nobody listens to are discarded.
func NewInProcessTransport(logger watermill.LoggerAdapter) *Transport {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, logger)

	return &Transport{
		Publisher: pubSub,
		Jobs:      pubSub,
		Replies:   pubSub,
		close:     pubSub.Close,
	}
}

// NewAMQPTransport connects to RabbitMQ. The work queue is durable and each
// worker holds at most one unacknowledged message; reply queues are
// exclusive to the connection and vanish with it.
func NewAMQPTransport(uri string, logger watermill.LoggerAdapter) (*Transport, error) {
	conn, err := amqp.NewConnection(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	workConfig := amqp.NewDurableQueueConfig(uri)
	workConfig.Consume.Qos.PrefetchCount = 1

	replyConfig := amqp.NewNonDurableQueueConfig(uri)
	replyConfig.Queue.Exclusive = true
	replyConfig.Queue.AutoDelete = true

	publisher, err := amqp.NewPublisherWithConnection(workConfig, logger, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	jobs, err := amqp.NewSubscriberWithConnection(workConfig, logger, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create job subscriber: %w", err)
	}

	replies, err := amqp.NewSubscriberWithConnection(replyConfig, logger, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create reply subscriber: %w", err)
	}

	return &Transport{
		Publisher: publisher,
		Jobs:      jobs,
		Replies:   replies,
		close: func() error {
			publisher.Close()
			jobs.Close()
			replies.Close()
			return conn.Close()
		},
	}, nil
}
