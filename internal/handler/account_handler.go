package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"credit-predictions/internal/domain"
	"credit-predictions/internal/errors"
	"credit-predictions/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
}

func NewAccountHandler(accountService *service.AccountService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
	}
}

type TopUpRequest struct {
	Amount json.Number `json:"amount"`
	Reason string      `json:"reason,omitempty"`
}

type AccountResponse struct {
	AccountID int64 `json:"account_id"`
	Balance   int64 `json:"balance"`
}

type TransactionResponse struct {
	Amount       int64     `json:"amount"`
	Type         string    `json:"tx_type"`
	Reason       string    `json:"reason"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

func toAccountResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID: account.ID,
		Balance:   account.Balance(),
	}
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.OpenAccount(r.Context(), userID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccount(r.Context(), userID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *AccountHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
		return
	}

	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error()))
		return
	}
	if !amount.IsInteger() || amount.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "amount must be a whole number of credits"))
		return
	}

	account, err := h.accountService.TopUp(r.Context(), userID(r), amount.IntPart(), req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.accountService.Transactions(r.Context(), userID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	response := make([]TransactionResponse, len(txs))
	for i, tx := range txs {
		response[i] = TransactionResponse{
			Amount:       tx.Amount,
			Type:         string(tx.Type),
			Reason:       tx.Reason,
			BalanceAfter: tx.BalanceAfter,
			CreatedAt:    tx.CreatedAt,
		}
	}

	writeJSON(w, http.StatusOK, response)
}
