package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/metrics"
)

// Processor runs the prediction pipeline for a dispatched request.
type Processor interface {
	MakePrediction(ctx context.Context, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error)
	MakePredictionWithID(ctx context.Context, jobID string, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error)
	ProcessExistingJob(ctx context.Context, jobID string, caller domain.Caller, modelName string, raw []any) (*domain.PredictionJob, error)
	// AbandonJob finalizes a job whose message is given up on.
	AbandonJob(ctx context.Context, jobID string, reason string) error
}

type WorkerOptions struct {
	ID    string
	Queue string
	// PoisonQueue receives messages that still fail after MaxRetries.
	// Defaults to PoisonTopic(Queue).
	PoisonQueue string
	// MaxRetries and RetryInterval bound redelivery of infrastructure
	// failures. Zero values pick 3 retries starting at one second.
	MaxRetries    int
	RetryInterval time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PoisonQueue == "" {
		o.PoisonQueue = PoisonTopic(o.Queue)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	return o
}

// PoisonTopic names the topic failed messages from queue are moved to.
func PoisonTopic(queue string) string {
	return queue + ".poison"
}

// Worker consumes the work queue one message at a time. A message is acked
// once its job is finalized, including handled failures. Infrastructure
// failures are retried with backoff; once retries run out the job is marked
// ERROR and the message moves to the poison queue.
type Worker struct {
	id        string
	router    *message.Router
	publisher message.Publisher
	processor Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewWorker(
	opts WorkerOptions,
	subscriber message.Subscriber,
	publisher message.Publisher,
	processor Processor,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Worker, error) {
	opts = opts.withDefaults()
	wmLogger := watermill.NewSlogLogger(logger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		id:        opts.ID,
		router:    router,
		publisher: publisher,
		processor: processor,
		metrics:   m,
		logger:    logger.With("worker_id", opts.ID),
	}

	poison, err := middleware.PoisonQueue(publisher, opts.PoisonQueue)
	if err != nil {
		return nil, err
	}
	retry := middleware.Retry{
		MaxRetries:      opts.MaxRetries,
		InitialInterval: opts.RetryInterval,
		MaxInterval:     16 * opts.RetryInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return retryable(params.Err)
		},
		Logger: wmLogger,
	}
	router.AddMiddleware(poison, w.abandonOnFailure, retry.Middleware)

	router.AddNoPublisherHandler("prediction-worker-"+opts.ID, opts.Queue, subscriber, w.Handle)
	return w, nil
}

// Run blocks until ctx is cancelled or the worker is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started")
	return w.router.Run(ctx)
}

// Running is closed once the worker consumes messages.
func (w *Worker) Running() chan struct{} {
	return w.router.Running()
}

func (w *Worker) Close() error {
	return w.router.Close()
}

// Handle processes one dispatch message. Returning an error retries it.
func (w *Worker) Handle(msg *message.Message) error {
	ctx := msg.Context()
	correlationID := msg.Metadata.Get(metaCorrelationID)
	replyTo := msg.Metadata.Get(metaReplyTo)

	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("Dropping malformed message", "message_uuid", msg.UUID, "error", err)
		w.metrics.WorkerMessage("dropped")
		return nil
	}

	log := w.logger.With("message_uuid", msg.UUID, "job_id", req.JobID, "correlation_id", correlationID)

	var (
		job *domain.PredictionJob
		err error
	)
	switch {
	case req.Create && req.JobID != "":
		job, err = w.processor.MakePredictionWithID(ctx, req.JobID, req.Caller(), req.Model, req.Data)
	case req.JobID != "":
		job, err = w.processor.ProcessExistingJob(ctx, req.JobID, req.Caller(), req.Model, req.Data)
	default:
		job, err = w.processor.MakePrediction(ctx, req.Caller(), req.Model, req.Data)
	}

	if err != nil && retryable(err) && replyTo == "" {
		log.Error("Prediction failed, will retry", "error", err)
		w.metrics.WorkerMessage("retry")
		return err
	}
	if err != nil {
		log.Warn("Prediction finished with error", "error", err)
	}

	if replyTo != "" {
		if pubErr := w.reply(replyTo, correlationID, buildReply(req, job, err)); pubErr != nil {
			log.Error("Failed to publish reply", "reply_to", replyTo, "error", pubErr)
		}
	} else if correlationID != "" {
		log.Warn("No reply_to given")
	}

	w.metrics.WorkerMessage("ack")
	return nil
}

// abandonOnFailure sees only errors left after retries. It marks the job
// ERROR so pollers stop waiting, and passes the error on to the poison queue.
func (w *Worker) abandonOnFailure(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err == nil {
			return produced, nil
		}

		log := w.logger.With("message_uuid", msg.UUID)
		var req Request
		if json.Unmarshal(msg.Payload, &req) == nil && req.JobID != "" {
			log = log.With("job_id", req.JobID)
			ctx := context.WithoutCancel(msg.Context())
			if markErr := w.processor.AbandonJob(ctx, req.JobID, string(errors.InternalError)); markErr != nil {
				log.Error("Failed to mark abandoned job", "error", markErr)
			}
		}
		log.Error("Retries exhausted, moving message to poison queue", "error", err)
		w.metrics.WorkerMessage("poisoned")
		return produced, err
	}
}

func (w *Worker) reply(topic, correlationID string, reply Reply) error {
	msg, err := newMessage(reply)
	if err != nil {
		return err
	}
	msg.Metadata.Set(metaCorrelationID, correlationID)
	return w.publisher.Publish(topic, msg)
}

func buildReply(req Request, job *domain.PredictionJob, err error) Reply {
	jobID := req.JobID
	if job != nil {
		jobID = job.ID
	}
	if err != nil {
		return ErrorReply(jobID, err)
	}
	return JobReply(job)
}

// retryable reports whether err comes from infrastructure rather than from
// the request itself.
func retryable(err error) bool {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return true
	}
	return appErr.Code == errors.InternalError
}
