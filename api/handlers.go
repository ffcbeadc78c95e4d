/*
handlers.go - HTTP API handlers for the cycle ledger

PURPOSE:
  Exposes the budget.Repository via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the repository.

ENDPOINTS:
  Cycles:
    GET    /api/cycles                       List cycles (year desc, month desc)
    POST   /api/cycles                       Create cycle
    GET    /api/cycles/{id}                  Get cycle
    PUT    /api/cycles/{id}                  Update label, period or income
    DELETE /api/cycles/{id}                  Delete cycle and its transactions
    GET    /api/cycles/{id}/ledger           Ledger with totals
    POST   /api/cycles/{id}/transactions     Add transaction

  Transactions:
    GET    /api/transactions/{id}            Get transaction
    PUT    /api/transactions/{id}            Update or move transaction
    DELETE /api/transactions/{id}            Delete transaction

  Insights:
    GET    /api/insights/snapshot            (cycle, spent) pairs
    GET    /api/insights/summary             Portfolio summary
    GET    /api/board                        Board summary

  Streams (stream.go), Scenarios (scenarios.go)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the repository
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, month outside [1,12]
  - 404: Record not found
  - 409: A cycle already covers the (year, month)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The engine is single-user by design.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/log"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Repo   *budget.Repository
	logger *log.Logger

	// Shared observations: stream clients of the same view share one upstream.
	cycles   *budget.Observable[[]budget.Cycle]
	ledgerMu sync.Mutex
	ledgers  map[budget.CycleID]*budget.Observable[*budget.Ledger] // dropped when their upstream stops
}

// NewHandler creates a new handler over repo.
func NewHandler(repo *budget.Repository, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{
		Repo:    repo,
		logger:  logger.WithComponent(log.ComponentHTTP),
		cycles:  repo.ObserveCycles(),
		ledgers: make(map[budget.CycleID]*budget.Observable[*budget.Ledger]),
	}
}

func (h *Handler) ledgerObservable(id budget.CycleID) *budget.Observable[*budget.Ledger] {
	h.ledgerMu.Lock()
	defer h.ledgerMu.Unlock()

	if obs, ok := h.ledgers[id]; ok {
		return obs
	}
	obs := h.Repo.ObserveLedger(id)
	obs.OnStop(func() { h.dropLedger(id, obs) })
	h.ledgers[id] = obs
	return obs
}

// dropLedger forgets obs once its upstream has stopped, so ids that are
// no longer streamed (or never existed) do not accumulate.
func (h *Handler) dropLedger(id budget.CycleID, obs *budget.Observable[*budget.Ledger]) {
	h.ledgerMu.Lock()
	defer h.ledgerMu.Unlock()
	if h.ledgers[id] == obs && !obs.Active() {
		delete(h.ledgers, id)
	}
}

// =============================================================================
// CYCLE HANDLERS
// =============================================================================

// ListCycles returns all cycles.
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.Repo.ListCycles(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTOs(cycles))
}

// CreateCycle creates a cycle.
func (h *Handler) CreateCycle(w http.ResponseWriter, r *http.Request) {
	var req CreateCycleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Income == nil {
		writeError(w, http.StatusBadRequest, "income is required", nil)
		return
	}

	cycle, err := h.Repo.CreateCycle(r.Context(), budget.NewCycle{
		Label:  req.Label,
		Year:   req.Year,
		Month:  req.Month,
		Income: *req.Income,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create cycle", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCycleDTO(cycle))
}

// GetCycle returns one cycle.
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleIDParam(w, r)
	if !ok {
		return
	}
	cycle, err := h.Repo.GetCycle(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get cycle", err)
		return
	}
	if cycle == nil {
		writeError(w, http.StatusNotFound, "Cycle not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(*cycle))
}

// UpdateCycle changes label, period or income. Absent fields keep their value.
func (h *Handler) UpdateCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateCycleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	cycle, err := h.Repo.GetCycle(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get cycle", err)
		return
	}
	if cycle == nil {
		writeError(w, http.StatusNotFound, "Cycle not found", nil)
		return
	}

	if req.Label != nil {
		cycle.Label = strings.TrimSpace(*req.Label)
	}
	if req.Year != nil {
		cycle.Year = *req.Year
	}
	if req.Month != nil {
		cycle.Month = *req.Month
	}
	if req.Income != nil {
		cycle.Income = *req.Income
	}

	if err := h.Repo.UpdateCycle(ctx, *cycle); err != nil {
		h.writeDomainError(w, r, "Failed to update cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(*cycle))
}

// DeleteCycle removes a cycle and its transactions. Idempotent.
func (h *Handler) DeleteCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Repo.DeleteCycle(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete cycle", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLedger returns the ledger of a cycle.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleIDParam(w, r)
	if !ok {
		return
	}
	ledger, err := h.Repo.Ledger(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load ledger", err)
		return
	}
	if ledger == nil {
		writeError(w, http.StatusNotFound, "Cycle not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(ledger))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// AddTransaction records an expense in the cycle of the URL.
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleIDParam(w, r)
	if !ok {
		return
	}
	var req CreateTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required", nil)
		return
	}

	in := budget.NewTransaction{
		CycleID:  id,
		Title:    req.Title,
		Amount:   *req.Amount,
		Category: req.Category,
	}
	if req.SpentAt != nil {
		in.SpentAt = fromMillis(*req.SpentAt)
	}

	tx, err := h.Repo.AddTransaction(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to add transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetTransaction returns one transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	tx, err := h.Repo.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get transaction", err)
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// UpdateTransaction edits a transaction. Absent fields keep their value.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	tx, err := h.Repo.GetTransaction(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get transaction", err)
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	if req.CycleID != nil {
		tx.CycleID = budget.CycleID(*req.CycleID)
	}
	if req.Title != nil {
		tx.Title = strings.TrimSpace(*req.Title)
	}
	if req.Amount != nil {
		tx.Amount = *req.Amount
	}
	if req.Category != nil {
		tx.Category = strings.TrimSpace(*req.Category)
	}
	if req.SpentAt != nil {
		tx.SpentAt = fromMillis(*req.SpentAt)
	}

	if err := h.Repo.UpdateTransaction(ctx, *tx); err != nil {
		h.writeDomainError(w, r, "Failed to update transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// DeleteTransaction removes a transaction. Idempotent.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Repo.DeleteTransaction(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INSIGHT HANDLERS
// =============================================================================

// GetSnapshot returns one (cycle, spent) pair per cycle.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Repo.SnapshotTotals(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleTotalDTOs(totals))
}

// GetInsights returns the portfolio summary.
func (h *Handler) GetInsights(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Repo.Insights(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute insights", err)
		return
	}
	writeJSON(w, http.StatusOK, toPortfolioDTO(summary))
}

// GetBoard returns the board summary.
func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	board, err := h.Repo.Board(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute board", err)
		return
	}
	writeJSON(w, http.StatusOK, toBoardDTO(board))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps budget errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case budget.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case budget.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case budget.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	default:
		h.logger.Failure(r.Context(), message, err,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func cycleIDParam(w http.ResponseWriter, r *http.Request) (budget.CycleID, bool) {
	id, ok := idParam(w, r)
	return budget.CycleID(id), ok
}

func transactionIDParam(w http.ResponseWriter, r *http.Request) (budget.TransactionID, bool) {
	id, ok := idParam(w, r)
	return budget.TransactionID(id), ok
}
