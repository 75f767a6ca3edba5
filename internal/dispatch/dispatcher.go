package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"credit-predictions/internal/errors"
	"credit-predictions/internal/metrics"
)

type Options struct {
	// Queue is the work queue workers consume from.
	Queue string
	// ReplyTopic receives replies for this instance only. Empty picks a
	// unique one.
	ReplyTopic string
	Timeout    time.Duration
}

// Dispatcher publishes prediction requests and, for calls, waits for the
// matching reply.
type Dispatcher struct {
	publisher message.Publisher
	replies   message.Subscriber
	opts      Options
	pending   *pendingTable
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewDispatcher(publisher message.Publisher, replies message.Subscriber, opts Options, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if opts.ReplyTopic == "" {
		opts.ReplyTopic = fmt.Sprintf("%s.reply.%s", opts.Queue, uuid.NewString())
	}
	return &Dispatcher{
		publisher: publisher,
		replies:   replies,
		opts:      opts,
		pending:   newPendingTable(),
		metrics:   m,
		logger:    logger,
	}
}

func (d *Dispatcher) ReplyTopic() string {
	return d.opts.ReplyTopic
}

// Start consumes replies until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	msgs, err := d.replies.Subscribe(ctx, d.opts.ReplyTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to replies: %w", err)
	}

	d.logger.Info("Listening for replies", "topic", d.opts.ReplyTopic)
	go d.consumeReplies(msgs)
	return nil
}

func (d *Dispatcher) consumeReplies(msgs <-chan *message.Message) {
	for msg := range msgs {
		correlationID := msg.Metadata.Get(metaCorrelationID)

		var reply Reply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			d.logger.Error("Dropping malformed reply", "correlation_id", correlationID, "error", err)
			msg.Ack()
			continue
		}

		if !d.pending.resolve(correlationID, reply) {
			d.logger.Warn("Dropping late reply", "correlation_id", correlationID, "job_id", reply.JobID)
			d.metrics.LateReply()
		}
		d.metrics.SetPendingCalls(d.pending.len())
		msg.Ack()
	}
}

// Publish queues req without waiting for the outcome.
func (d *Dispatcher) Publish(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := newMessage(req)
	if err != nil {
		return err
	}

	if err := d.publisher.Publish(d.opts.Queue, msg); err != nil {
		d.logger.Error("Failed to publish request", "job_id", req.JobID, "error", err)
		return errors.ErrDispatchFailed.WithDetails(err.Error())
	}

	d.metrics.Dispatched("async")
	d.logger.Info("Request published", "job_id", req.JobID, "queue", d.opts.Queue)
	return nil
}

// Call publishes req and blocks until its reply arrives or the timeout
// passes. A timeout leaves the remote job running; its reply is dropped.
func (d *Dispatcher) Call(ctx context.Context, req Request) (*Reply, error) {
	correlationID := uuid.NewString()

	msg, err := newMessage(req)
	if err != nil {
		return nil, err
	}
	msg.Metadata.Set(metaCorrelationID, correlationID)
	msg.Metadata.Set(metaReplyTo, d.opts.ReplyTopic)

	replies := d.pending.register(correlationID)
	defer func() {
		d.pending.remove(correlationID)
		d.metrics.SetPendingCalls(d.pending.len())
	}()
	d.metrics.SetPendingCalls(d.pending.len())

	if err := d.publisher.Publish(d.opts.Queue, msg); err != nil {
		d.logger.Error("Failed to publish call", "correlation_id", correlationID, "error", err)
		return nil, errors.ErrDispatchFailed.WithDetails(err.Error())
	}
	d.metrics.Dispatched("rpc")

	timer := time.NewTimer(d.opts.Timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return &reply, nil
	case <-timer.C:
		d.logger.Warn("Call timed out", "correlation_id", correlationID, "timeout", d.opts.Timeout)
		d.metrics.RPCTimeout()
		return nil, errors.ErrDispatchTimeout.WithDetails(fmt.Sprintf("no reply within %s", d.opts.Timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
