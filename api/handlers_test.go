/*
handlers_test.go - Tests for the REST handlers

Tests for:
- Cycle CRUD, defaults and conflict mapping
- Transactions: add, update, move, delete
- Ledger, snapshot, insights and board views
- Error statuses for bad input
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/budget/store"
	"github.com/warp/cycle-ledger/log"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testAPI struct {
	t      *testing.T
	repo   *budget.Repository
	router http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	repo := budget.NewRepository(store.NewMemory())
	t.Cleanup(func() { repo.Close() })
	h := NewHandler(repo, log.Nop())
	return &testAPI{t: t, repo: repo, router: NewRouter(h, nil)}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createCycle(body string) CycleDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/cycles", body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CycleDTO](a.t, rec)
}

func (a *testAPI) addTransaction(cycleID int64, body string) TransactionDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, fmt.Sprintf("/api/cycles/%d/transactions", cycleID), body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TransactionDTO](a.t, rec)
}

// =============================================================================
// CYCLES
// =============================================================================

func TestCreateCycle_ReturnsStoredCycle(t *testing.T) {
	a := newTestAPI(t)

	// GIVEN: A blank label
	// WHEN: Creating a March 2024 cycle
	c := a.createCycle(`{"label":"  ","year":2024,"month":3,"income":"2000"}`)

	// THEN: The cycle gets an id and a display label from its period
	assert.Positive(t, c.ID)
	assert.Equal(t, "", c.Label)
	assert.Equal(t, "March 2024", c.DisplayLabel)
	assert.Equal(t, 2000.0, c.Income)
	assert.Positive(t, c.CreatedAt)
}

func TestCreateCycle_DuplicatePeriodIsConflict(t *testing.T) {
	a := newTestAPI(t)
	a.createCycle(`{"year":2024,"month":3,"income":2000}`)

	rec := a.do(http.MethodPost, "/api/cycles", `{"year":2024,"month":3,"income":100}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Details, "2024-03")
}

func TestCreateCycle_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"month out of range", `{"year":2024,"month":13,"income":1}`},
		{"missing income", `{"year":2024,"month":3}`},
		{"unknown field", `{"year":2024,"month":3,"income":1,"currency":"EUR"}`},
		{"malformed json", `{"year":`},
		{"trailing data", `{"year":2024,"month":3,"income":1} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t)
			rec := a.do(http.MethodPost, "/api/cycles", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestListCycles_NewestPeriodFirst(t *testing.T) {
	a := newTestAPI(t)
	a.createCycle(`{"year":2023,"month":12,"income":1}`)
	a.createCycle(`{"year":2024,"month":2,"income":1}`)
	a.createCycle(`{"year":2024,"month":1,"income":1}`)

	rec := a.do(http.MethodGet, "/api/cycles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cycles := decode[[]CycleDTO](t, rec)

	require.Len(t, cycles, 3)
	assert.Equal(t, []int{2, 1, 12}, []int{cycles[0].Month, cycles[1].Month, cycles[2].Month})
}

func TestGetCycle_Statuses(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":1}`)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d", c.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/cycles/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/cycles/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/cycles/0", "").Code)
}

func TestUpdateCycle_MergesPresentFields(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"label":"Spring","year":2024,"month":3,"income":2000}`)

	// WHEN: Only income is sent
	rec := a.do(http.MethodPut, fmt.Sprintf("/api/cycles/%d", c.ID), `{"income":"2200"}`)

	// THEN: Label and period are kept, created_at does not move
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[CycleDTO](t, rec)
	assert.Equal(t, "Spring", updated.Label)
	assert.Equal(t, 3, updated.Month)
	assert.Equal(t, 2200.0, updated.Income)
	assert.Equal(t, c.CreatedAt, updated.CreatedAt)
}

func TestUpdateCycle_Statuses(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":1}`)
	a.createCycle(`{"year":2024,"month":4,"income":1}`)

	path := fmt.Sprintf("/api/cycles/%d", c.ID)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPut, path, `{"month":4}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, path, `{"month":0}`).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPut, "/api/cycles/999", `{"month":5}`).Code)
}

func TestDeleteCycle_CascadesAndIsIdempotent(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":2000}`)
	tx := a.addTransaction(c.ID, `{"title":"Rent","amount":800}`)

	path := fmt.Sprintf("/api/cycles/%d", c.ID)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, path, "").Code)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, fmt.Sprintf("/api/transactions/%d", tx.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, path+"/ledger", "").Code)
}

// =============================================================================
// TRANSACTIONS AND LEDGER
// =============================================================================

func TestLedger_MarchScenario(t *testing.T) {
	a := newTestAPI(t)

	// GIVEN: March 2024 with income 2000, rent 800 and food 150.5
	c := a.createCycle(`{"year":2024,"month":3,"income":2000}`)
	a.addTransaction(c.ID, `{"title":"Rent","amount":"800","spent_at":1709251200000}`)
	a.addTransaction(c.ID, `{"title":"Food","amount":"150.5","spent_at":1710072000000}`)

	// WHEN: Reading the ledger
	rec := a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", c.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode[LedgerDTO](t, rec)

	// THEN: Totals are exact and the newest expense comes first
	assert.Equal(t, 950.5, ledger.TotalSpent)
	assert.Equal(t, 1049.5, ledger.Balance)
	require.Len(t, ledger.Transactions, 2)
	assert.Equal(t, "Food", ledger.Transactions[0].Title)
	assert.Equal(t, 2, ledger.Highlights.Count)
	require.NotNil(t, ledger.Highlights.Largest)
	assert.Equal(t, "Rent", ledger.Highlights.Largest.Title)
	assert.Equal(t, 475.25, ledger.Highlights.AverageSpent)

	// WHEN: Income is raised to 2200
	a.do(http.MethodPut, fmt.Sprintf("/api/cycles/%d", c.ID), `{"income":2200}`)
	ledger = decode[LedgerDTO](t, a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", c.ID), ""))

	// THEN: Only the balance moves
	assert.Equal(t, 950.5, ledger.TotalSpent)
	assert.Equal(t, 1249.5, ledger.Balance)
}

func TestLedger_EmptyHighlights(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":2000}`)

	rec := a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", c.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw struct {
		Highlights map[string]any `json:"highlights"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, float64(0), raw.Highlights["count"])
	assert.Nil(t, raw.Highlights["largest"])
	assert.Equal(t, float64(0), raw.Highlights["average_spent"])
}

func TestAddTransaction_Validation(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":1}`)

	// Blank title is allowed; amount is not optional.
	tx := a.addTransaction(c.ID, `{"amount":12.5}`)
	assert.Equal(t, "", tx.Title)
	assert.Positive(t, tx.SpentAt)

	path := fmt.Sprintf("/api/cycles/%d/transactions", c.ID)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, path, `{"title":"x"}`).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/cycles/999/transactions", `{"amount":1}`).Code)
}

func TestAddTransaction_NegativeAmountIsRefund(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":100}`)
	a.addTransaction(c.ID, `{"title":"Shoes","amount":60}`)
	a.addTransaction(c.ID, `{"title":"Return","amount":-20}`)

	ledger := decode[LedgerDTO](t, a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", c.ID), ""))

	assert.Equal(t, 40.0, ledger.TotalSpent)
	assert.Equal(t, 60.0, ledger.Balance)
}

func TestUpdateTransaction_MovesBetweenCycles(t *testing.T) {
	a := newTestAPI(t)
	march := a.createCycle(`{"year":2024,"month":3,"income":1000}`)
	april := a.createCycle(`{"year":2024,"month":4,"income":1000}`)
	tx := a.addTransaction(march.ID, `{"title":"Rent","amount":800,"category":"housing"}`)

	// WHEN: cycle_id is changed
	rec := a.do(http.MethodPut, fmt.Sprintf("/api/transactions/%d", tx.ID), fmt.Sprintf(`{"cycle_id":%d}`, april.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[TransactionDTO](t, rec)

	// THEN: Other fields are kept and both ledgers reflect the move
	assert.Equal(t, april.ID, moved.CycleID)
	assert.Equal(t, "housing", moved.Category)
	assert.Equal(t, tx.SpentAt, moved.SpentAt)

	from := decode[LedgerDTO](t, a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", march.ID), ""))
	to := decode[LedgerDTO](t, a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", april.ID), ""))
	assert.Equal(t, 0.0, from.TotalSpent)
	assert.Equal(t, 800.0, to.TotalSpent)
}

func TestUpdateTransaction_Statuses(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":1}`)
	tx := a.addTransaction(c.ID, `{"amount":1}`)

	path := fmt.Sprintf("/api/transactions/%d", tx.ID)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPut, path, `{"cycle_id":999}`).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPut, "/api/transactions/999", `{"amount":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, path, `{"amount":"abc"}`).Code)
}

func TestDeleteTransaction_IsIdempotent(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCycle(`{"year":2024,"month":3,"income":1}`)
	tx := a.addTransaction(c.ID, `{"amount":1}`)

	path := fmt.Sprintf("/api/transactions/%d", tx.ID)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, path, "").Code)
}

// =============================================================================
// INSIGHTS
// =============================================================================

func TestInsights_SnapshotSummaryAndBoard(t *testing.T) {
	a := newTestAPI(t)
	march := a.createCycle(`{"year":2024,"month":3,"income":2000}`)
	a.createCycle(`{"year":2024,"month":4,"income":3000}`)
	a.addTransaction(march.ID, `{"amount":"950.5"}`)

	snapshot := decode[[]CycleTotalDTO](t, a.do(http.MethodGet, "/api/insights/snapshot", ""))
	require.Len(t, snapshot, 2)
	assert.Equal(t, 4, snapshot[0].Cycle.Month)
	assert.Equal(t, 0.0, snapshot[0].Spent)
	assert.Equal(t, 950.5, snapshot[1].Spent)
	assert.Equal(t, 1049.5, snapshot[1].Balance)

	summary := decode[PortfolioDTO](t, a.do(http.MethodGet, "/api/insights/summary", ""))
	assert.Equal(t, 5000.0, summary.TotalIncome)
	assert.Equal(t, 950.5, summary.TotalSpent)
	assert.Equal(t, 2500.0, summary.AverageIncome)

	board := decode[BoardDTO](t, a.do(http.MethodGet, "/api/board", ""))
	assert.False(t, board.Empty)
	assert.Len(t, board.Cycles, 2)
	assert.Equal(t, 5000.0, board.TotalIncome)
}

func TestBoard_Empty(t *testing.T) {
	a := newTestAPI(t)

	board := decode[BoardDTO](t, a.do(http.MethodGet, "/api/board", ""))

	assert.True(t, board.Empty)
	assert.Nil(t, board.Anchor)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
