/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Tests that each scenario loads cleanly into an empty ledger and that the
	seeded totals are the documented ones.
*/
package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListScenarios(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/api/scenarios", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)

	require.Len(t, list, len(scenarios))
	for i, s := range list {
		assert.Equal(t, scenarios[i].ID, s.ID)
		assert.NotEmpty(t, s.Name)
	}
}

func TestLoadScenario_EveryScenarioLoads(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			a := newTestAPI(t)

			rec := a.do(http.MethodPost, "/api/scenarios/load", fmt.Sprintf(`{"scenario_id":%q}`, s.ID))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			resp := decode[LoadScenarioResponse](t, rec)

			assert.Equal(t, s.ID, resp.ScenarioID)
			assert.Len(t, resp.Cycles, len(s.cycles))

			board := decode[BoardDTO](t, a.do(http.MethodGet, "/api/board", ""))
			assert.Len(t, board.Cycles, len(s.cycles))
		})
	}
}

func TestLoadScenario_FirstMonthTotals(t *testing.T) {
	a := newTestAPI(t)

	// GIVEN: The first-month scenario
	rec := a.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"first-month"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[LoadScenarioResponse](t, rec)
	require.Len(t, resp.Cycles, 1)

	// WHEN: Reading its ledger
	ledger := decode[LedgerDTO](t, a.do(http.MethodGet, fmt.Sprintf("/api/cycles/%d/ledger", resp.Cycles[0].ID), ""))

	// THEN: 950.5 spent out of 2000
	assert.Equal(t, "March 2024", ledger.Cycle.DisplayLabel)
	assert.Equal(t, 950.5, ledger.TotalSpent)
	assert.Equal(t, 1049.5, ledger.Balance)
}

func TestLoadScenario_OverspentHasNegativeBalance(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"overspent"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	snapshot := decode[[]CycleTotalDTO](t, a.do(http.MethodGet, "/api/insights/snapshot", ""))

	require.Len(t, snapshot, 1)
	assert.Equal(t, 1868.15, snapshot[0].Spent)
	assert.Equal(t, -68.15, snapshot[0].Balance)
}

func TestLoadScenario_SecondLoadConflicts(t *testing.T) {
	a := newTestAPI(t)
	body := `{"scenario_id":"first-month"}`
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/scenarios/load", body).Code)

	rec := a.do(http.MethodPost, "/api/scenarios/load", body)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoadScenario_UnknownID(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "nope")
}
