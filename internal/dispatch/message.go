// Package dispatch moves prediction requests between the API and workers over
// a Watermill publisher/subscriber pair, either fire-and-forget or as a
// request/reply call correlated by id.
package dispatch

import (
	"encoding/json"
	stderrors "errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
)

const (
	metaCorrelationID = "correlation_id"
	metaReplyTo       = "reply_to"

	// ReplyStatusError marks a reply that carries no usable job.
	ReplyStatusError = "error"
	// ReplyCodeTimeout is reported when a caller stops waiting for a reply.
	ReplyCodeTimeout = "rpc_timeout"
)

// Request is the body of a dispatch message. With Create set the worker
// creates the job under JobID itself; otherwise JobID names a pending job.
type Request struct {
	JobID     string `json:"job_id,omitempty"`
	Create    bool   `json:"create,omitempty"`
	UserID    int64  `json:"user_id"`
	AccountID int64  `json:"account_id"`
	Model     string `json:"model"`
	Data      []any  `json:"data"`
}

func (r Request) Caller() domain.Caller {
	return domain.Caller{UserID: r.UserID, AccountID: r.AccountID}
}

// Reply answers a call. On the wire a job reply is the finalized job's own
// fields; an error reply is {"status":"error","error":...,"job_id":...}.
type Reply struct {
	Status string                `json:"status"`
	Error  string                `json:"error,omitempty"`
	JobID  string                `json:"job_id,omitempty"`
	Job    *domain.PredictionJob `json:"-"`
}

// errorReply is Reply without its custom encoding.
type errorReply Reply

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Job != nil && r.Status != ReplyStatusError {
		return json.Marshal(r.Job)
	}
	return json.Marshal(errorReply(r))
}

func (r *Reply) UnmarshalJSON(data []byte) error {
	var head struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Status == ReplyStatusError {
		var e errorReply
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		*r = Reply(e)
		return nil
	}

	var job domain.PredictionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	*r = JobReply(&job)
	return nil
}

// JobReply wraps a finalized job.
func JobReply(job *domain.PredictionJob) Reply {
	return Reply{Status: string(job.Status), JobID: job.ID, Job: job}
}

// ErrorReply reports err with a stable code for credit and model-name
// failures and the bare message otherwise.
func ErrorReply(jobID string, err error) Reply {
	reply := Reply{Status: ReplyStatusError, JobID: jobID, Error: err.Error()}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case errors.NotEnoughCredits, errors.UnknownModel, errors.AccountNotFound, errors.JobNotFound, errors.DispatchTimeout:
			reply.Error = string(appErr.Code)
		default:
			reply.Error = appErr.Message
		}
	}
	if reply.Error == string(errors.DispatchTimeout) {
		reply.Error = ReplyCodeTimeout
	}
	return reply
}

// Err turns an error reply back into the matching application error.
func (r Reply) Err() error {
	if r.Status != ReplyStatusError {
		return nil
	}
	switch r.Error {
	case string(errors.NotEnoughCredits):
		return errors.ErrNotEnoughCredits
	case string(errors.UnknownModel):
		return errors.ErrUnknownModel
	case string(errors.AccountNotFound):
		return errors.ErrAccountNotFound
	case string(errors.JobNotFound):
		return errors.ErrJobNotFound
	case ReplyCodeTimeout:
		return errors.ErrDispatchTimeout
	default:
		return errors.NewModelError(r.Error)
	}
}

func newMessage(v any) (*message.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to encode message").WithDetails(err.Error())
	}
	return message.NewMessage(watermill.NewUUID(), payload), nil
}
