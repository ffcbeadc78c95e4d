/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the budget model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  - Money goes out as JSON numbers. It comes in as a number or a string;
    both parse exactly into decimal.Decimal.
  - Timestamps are integer epoch milliseconds.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cycle-ledger/budget"
)

// =============================================================================
// CYCLES
// =============================================================================

// CycleDTO represents a cycle in API responses.
type CycleDTO struct {
	ID           int64   `json:"id"`
	Label        string  `json:"label"`
	DisplayLabel string  `json:"display_label"`
	Year         int     `json:"year"`
	Month        int     `json:"month"`
	Income       float64 `json:"income"`
	CreatedAt    int64   `json:"created_at"`
}

// CreateCycleRequest is the request to create a cycle. Zero year or month
// default to the current calendar month.
type CreateCycleRequest struct {
	Label  string           `json:"label"`
	Year   int              `json:"year"`
	Month  int              `json:"month"`
	Income *decimal.Decimal `json:"income"`
}

// UpdateCycleRequest changes the fields that are present.
type UpdateCycleRequest struct {
	Label  *string          `json:"label"`
	Year   *int             `json:"year"`
	Month  *int             `json:"month"`
	Income *decimal.Decimal `json:"income"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID       int64   `json:"id"`
	CycleID  int64   `json:"cycle_id"`
	Title    string  `json:"title"`
	Amount   float64 `json:"amount"`
	Category string  `json:"category"`
	SpentAt  int64   `json:"spent_at"`
}

// CreateTransactionRequest is the request to add an expense to a cycle.
type CreateTransactionRequest struct {
	Title    string           `json:"title"`
	Amount   *decimal.Decimal `json:"amount"`
	Category string           `json:"category"`
	SpentAt  *int64           `json:"spent_at"`
}

// UpdateTransactionRequest changes the fields that are present.
// Setting cycle_id moves the transaction.
type UpdateTransactionRequest struct {
	CycleID  *int64           `json:"cycle_id"`
	Title    *string          `json:"title"`
	Amount   *decimal.Decimal `json:"amount"`
	Category *string          `json:"category"`
	SpentAt  *int64           `json:"spent_at"`
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// LedgerDTO is one cycle with its transactions and totals.
type LedgerDTO struct {
	Cycle        CycleDTO         `json:"cycle"`
	Transactions []TransactionDTO `json:"transactions"`
	TotalSpent   float64          `json:"total_spent"`
	Balance      float64          `json:"balance"`
	Highlights   HighlightsDTO    `json:"highlights"`
}

// HighlightsDTO summarizes a ledger's expenses. Largest is null when the
// ledger has no transactions.
type HighlightsDTO struct {
	Count        int             `json:"count"`
	Largest      *TransactionDTO `json:"largest"`
	AverageSpent float64         `json:"average_spent"`
}

// CycleTotalDTO is one entry of a snapshot.
type CycleTotalDTO struct {
	Cycle   CycleDTO `json:"cycle"`
	Spent   float64  `json:"spent"`
	Balance float64  `json:"balance"`
}

// PortfolioPointDTO is one cycle on the insight timeline.
type PortfolioPointDTO struct {
	CycleID int64   `json:"cycle_id"`
	Year    int     `json:"year"`
	Month   int     `json:"month"`
	Label   string  `json:"label"`
	Income  float64 `json:"income"`
	Spent   float64 `json:"spent"`
	Balance float64 `json:"balance"`
}

// PortfolioDTO is the insight summary.
type PortfolioDTO struct {
	TotalIncome   float64             `json:"total_income"`
	TotalSpent    float64             `json:"total_spent"`
	Balance       float64             `json:"balance"`
	AverageIncome float64             `json:"average_income"`
	Points        []PortfolioPointDTO `json:"points"`
}

// BoardDTO is the board summary.
type BoardDTO struct {
	Cycles        []CycleDTO `json:"cycles"`
	TotalIncome   float64    `json:"total_income"`
	AverageIncome float64    `json:"average_income"`
	Anchor        *CycleDTO  `json:"anchor"`
	Empty         bool       `json:"empty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to seed.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toCycleDTO(c budget.Cycle) CycleDTO {
	return CycleDTO{
		ID:           int64(c.ID),
		Label:        c.Label,
		DisplayLabel: c.DisplayLabel(),
		Year:         c.Year,
		Month:        c.Month,
		Income:       money(c.Income),
		CreatedAt:    c.CreatedAt.UnixMilli(),
	}
}

func toCycleDTOs(cycles []budget.Cycle) []CycleDTO {
	dtos := make([]CycleDTO, len(cycles))
	for i, c := range cycles {
		dtos[i] = toCycleDTO(c)
	}
	return dtos
}

func toTransactionDTO(tx budget.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:       int64(tx.ID),
		CycleID:  int64(tx.CycleID),
		Title:    tx.Title,
		Amount:   money(tx.Amount),
		Category: tx.Category,
		SpentAt:  tx.SpentAt.UnixMilli(),
	}
}

func toLedgerDTO(l *budget.Ledger) LedgerDTO {
	txs := make([]TransactionDTO, len(l.Transactions))
	for i, tx := range l.Transactions {
		txs[i] = toTransactionDTO(tx)
	}
	return LedgerDTO{
		Cycle:        toCycleDTO(l.Cycle),
		Transactions: txs,
		TotalSpent:   money(l.TotalSpent),
		Balance:      money(l.Balance),
		Highlights:   toHighlightsDTO(l.Highlights),
	}
}

func toHighlightsDTO(h budget.LedgerHighlights) HighlightsDTO {
	dto := HighlightsDTO{
		Count:        h.Count,
		AverageSpent: money(h.AverageSpent),
	}
	if h.Largest != nil {
		largest := toTransactionDTO(*h.Largest)
		dto.Largest = &largest
	}
	return dto
}

func toCycleTotalDTOs(totals []budget.CycleTotal) []CycleTotalDTO {
	dtos := make([]CycleTotalDTO, len(totals))
	for i, ct := range totals {
		dtos[i] = CycleTotalDTO{
			Cycle:   toCycleDTO(ct.Cycle),
			Spent:   money(ct.Spent),
			Balance: money(ct.Balance()),
		}
	}
	return dtos
}

func toPortfolioDTO(s budget.PortfolioSummary) PortfolioDTO {
	points := make([]PortfolioPointDTO, len(s.Points))
	for i, p := range s.Points {
		points[i] = PortfolioPointDTO{
			CycleID: int64(p.CycleID),
			Year:    p.Period.Year,
			Month:   p.Period.Month,
			Label:   p.Label,
			Income:  money(p.Income),
			Spent:   money(p.Spent),
			Balance: money(p.Balance),
		}
	}
	return PortfolioDTO{
		TotalIncome:   money(s.TotalIncome),
		TotalSpent:    money(s.TotalSpent),
		Balance:       money(s.Balance),
		AverageIncome: money(s.AverageIncome),
		Points:        points,
	}
}

func toBoardDTO(b budget.BoardSummary) BoardDTO {
	dto := BoardDTO{
		Cycles:        toCycleDTOs(b.Cycles),
		TotalIncome:   money(b.TotalIncome),
		AverageIncome: money(b.AverageIncome),
		Empty:         b.Empty,
	}
	if b.Anchor != nil {
		anchor := toCycleDTO(*b.Anchor)
		dto.Anchor = &anchor
	}
	return dto
}
