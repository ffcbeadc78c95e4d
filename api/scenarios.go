/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the ledger with realistic data
  for demos and manual testing. Each scenario creates cycles and records
  expenses in them through the repository, so every stream client sees the
  data arrive like any other write.

AVAILABLE SCENARIOS:
  first-month:    One cycle (March 2024) with rent and groceries
  half-year:      Six consecutive cycles with recurring categories
  overspent:      A cycle whose expenses exceed its income

HOW SCENARIOS WORK:
  1. Create the scenario's cycles (a cycle already covering the same
     (year, month) fails the load with 409)
  2. Add the transactions of each cycle

  Loading runs through Repository.Async: once started it completes even if
  the client disconnects.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "half-year"}

SEE ALSO:
  - handlers.go: Handler
  - dto.go: ScenarioDTO
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cycle-ledger/budget"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type seedExpense struct {
	title    string
	amount   string
	category string
	day      int
}

type seedCycle struct {
	label    string
	year     int
	month    int
	income   string
	expenses []seedExpense
}

type scenario struct {
	ScenarioDTO
	cycles []seedCycle
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "first-month",
			Name:        "First Month",
			Description: "One cycle with rent and groceries",
		},
		cycles: []seedCycle{
			{label: "", year: 2024, month: 3, income: "2000", expenses: []seedExpense{
				{"Rent", "800", "housing", 1},
				{"Food", "150.5", "groceries", 10},
			}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "half-year",
			Name:        "Half Year",
			Description: "Six consecutive cycles with recurring categories",
		},
		cycles: halfYear(2023),
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overspent",
			Name:        "Overspent",
			Description: "A cycle whose expenses exceed its income",
		},
		cycles: []seedCycle{
			{label: "Moving month", year: 2024, month: 9, income: "1800", expenses: []seedExpense{
				{"Deposit", "1600", "housing", 2},
				{"Van rental", "240.75", "transport", 3},
				{"Takeaway", "62.4", "food", 3},
				{"Refund", "-35", "housing", 20},
			}},
		},
	},
}

// halfYear builds July to December of year with the same monthly shape.
func halfYear(year int) []seedCycle {
	cycles := make([]seedCycle, 0, 6)
	for month := 7; month <= 12; month++ {
		groceries := decimal.NewFromInt(int64(280 + 15*(month-7))).String()
		cycles = append(cycles, seedCycle{
			year:   year,
			month:  month,
			income: "3200",
			expenses: []seedExpense{
				{"Rent", "1150", "housing", 1},
				{"Groceries", groceries, "groceries", 8},
				{"Transit pass", "49.9", "transport", 1},
				{"Electricity", "72.35", "utilities", 15},
			},
		})
	}
	return cycles
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// LoadScenarioResponse lists the cycles a scenario created.
type LoadScenarioResponse struct {
	ScenarioID string     `json:"scenario_id"`
	Cycles     []CycleDTO `json:"cycles"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	list := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		list[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, list)
}

// LoadScenario seeds the ledger with a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}

	var created []budget.Cycle
	err := <-h.Repo.Async(r.Context(), func(ctx context.Context) error {
		var err error
		created, err = loadScenario(ctx, h.Repo, s)
		return err
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}

	h.logger.InfoContext(r.Context(), "scenario loaded", "scenario", s.ID, "cycles", len(created))
	writeJSON(w, http.StatusOK, LoadScenarioResponse{ScenarioID: s.ID, Cycles: toCycleDTOs(created)})
}

func loadScenario(ctx context.Context, repo *budget.Repository, s scenario) ([]budget.Cycle, error) {
	created := make([]budget.Cycle, 0, len(s.cycles))
	for _, sc := range s.cycles {
		cycle, err := repo.CreateCycle(ctx, budget.NewCycle{
			Label:  sc.label,
			Year:   sc.year,
			Month:  sc.month,
			Income: decimal.RequireFromString(sc.income),
		})
		if err != nil {
			return created, err
		}
		created = append(created, cycle)

		for _, e := range sc.expenses {
			_, err := repo.AddTransaction(ctx, budget.NewTransaction{
				CycleID:  cycle.ID,
				Title:    e.title,
				Amount:   decimal.RequireFromString(e.amount),
				Category: e.category,
				SpentAt:  time.Date(sc.year, time.Month(sc.month), e.day, 12, 0, 0, 0, time.UTC),
			})
			if err != nil {
				return created, err
			}
		}
	}
	return created, nil
}
