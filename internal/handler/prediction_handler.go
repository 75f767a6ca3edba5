package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/ids"
	"credit-predictions/internal/service"
)

type PredictionHandler struct {
	predictionService *service.PredictionService
	accountService    *service.AccountService
}

func NewPredictionHandler(predictionService *service.PredictionService, accountService *service.AccountService) *PredictionHandler {
	return &PredictionHandler{
		predictionService: predictionService,
		accountService:    accountService,
	}
}

// PredictionRequest accepts data either as a list of row objects or as an
// object of equally long columns.
type PredictionRequest struct {
	ModelName string          `json:"model_name"`
	Data      json.RawMessage `json:"data"`
}

type JobHandleResponse struct {
	ID        string    `json:"id"`
	ModelName string    `json:"model_name"`
	Cost      int64     `json:"cost"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type JobSummaryResponse struct {
	ID        string            `json:"id"`
	ModelName string            `json:"model_name"`
	Cost      int64             `json:"cost"`
	Status    string            `json:"status"`
	Error     *string           `json:"error,omitempty"`
	Summary   domain.JobSummary `json:"summary"`
	CreatedAt time.Time         `json:"created_at"`
}

type ModelsResponse struct {
	Models []string `json:"models"`
}

func toJobHandle(job *domain.PredictionJob) JobHandleResponse {
	return JobHandleResponse{
		ID:        job.ID,
		ModelName: job.ModelName,
		Cost:      job.Cost,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	}
}

func (h *PredictionHandler) decodeRequest(r *http.Request) (string, []any, *errors.AppError) {
	var req PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", nil, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	if req.ModelName == "" {
		return "", nil, errors.NewAppError(errors.InvalidInput, "model_name is required")
	}

	rows, err := decodeRows(req.Data)
	if err != nil {
		return "", nil, errors.NewAppError(errors.InvalidInput, "invalid data").WithDetails(err.Error())
	}
	return req.ModelName, rows, nil
}

// decodeRows keeps numbers as json.Number so prices keep their precision.
func decodeRows(raw json.RawMessage) ([]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("data is required")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var data any
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}

	switch v := data.(type) {
	case []any:
		return v, nil
	case map[string]any:
		return columnsToRows(v)
	default:
		return nil, fmt.Errorf("data must be a list of rows or an object of columns")
	}
}

func columnsToRows(columns map[string]any) ([]any, error) {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	length := -1
	cols := make(map[string][]any, len(columns))
	for _, name := range names {
		col, ok := columns[name].([]any)
		if !ok {
			return nil, fmt.Errorf("column %q is not a list", name)
		}
		if length >= 0 && len(col) != length {
			return nil, fmt.Errorf("column %q has %d values, expected %d", name, len(col), length)
		}
		length = len(col)
		cols[name] = col
	}

	rows := make([]any, max(length, 0))
	for i := range rows {
		row := make(map[string]any, len(cols))
		for name, col := range cols {
			row[name] = col[i]
		}
		rows[i] = row
	}
	return rows, nil
}

func (h *PredictionHandler) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	caller, err := h.accountService.Caller(r.Context(), userID(r))
	if err != nil {
		handleError(w, err)
		return domain.Caller{}, false
	}
	return caller, true
}

// Submit queues a prediction and answers with the pending job handle.
func (h *PredictionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	modelName, rows, appErr := h.decodeRequest(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	job, err := h.predictionService.Submit(r.Context(), caller, modelName, rows)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobHandle(job))
}

// SubmitSync waits for the worker and answers with the finished job.
func (h *PredictionHandler) SubmitSync(w http.ResponseWriter, r *http.Request) {
	modelName, rows, appErr := h.decodeRequest(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	job, err := h.predictionService.SubmitSync(r.Context(), caller, modelName, rows)
	if err != nil {
		handleError(w, err)
		return
	}
	if job.Status == domain.JobError {
		msg := "model inference failed"
		if job.Error != nil {
			msg = *job.Error
		}
		writeError(w, errors.NewModelError(msg).WithDetails(job.ID))
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *PredictionHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if !ids.Valid(jobID) {
		writeError(w, errors.ErrJobNotFound)
		return
	}

	job, err := h.predictionService.GetJob(r.Context(), domain.Caller{UserID: userID(r)}, jobID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *PredictionHandler) History(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.predictionService.History(r.Context(), domain.Caller{UserID: userID(r)})
	if err != nil {
		handleError(w, err)
		return
	}

	response := make([]JobSummaryResponse, len(jobs))
	for i, job := range jobs {
		response[i] = JobSummaryResponse{
			ID:        job.ID,
			ModelName: job.ModelName,
			Cost:      job.Cost,
			Status:    string(job.Status),
			Error:     job.Error,
			Summary:   job.Summary(),
			CreatedAt: job.CreatedAt,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *PredictionHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{Models: h.predictionService.Models()})
}
