/*
stream.go - Server-Sent Events for live views

PURPOSE:
  Pushes observed state to clients as it changes, so a board or ledger
  screen never polls.

ENDPOINTS:
  GET /api/cycles/stream             event "cycles": []CycleDTO
  GET /api/cycles/{id}/ledger/stream event "ledger": LedgerDTO
                                     event "absent": the cycle does not exist

FRAMING:
  id: <notifier seq>
  event: <name>
  data: <json>

  The first event carries the current state. A reload failure is sent as
  event "error" and the stream continues.

SHARING:
  All clients of one view share one observation (see budget/observe.go).
  When the last client disconnects the observation lingers for the grace
  period, so a page reload does not restart it.
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/log"
)

// StreamCycles streams the cycle list.
func (h *Handler) StreamCycles(w http.ResponseWriter, r *http.Request) {
	stream(h, w, r, h.cycles, func(u budget.Update[[]budget.Cycle]) (string, any) {
		return "cycles", toCycleDTOs(u.Value)
	})
}

// StreamLedger streams the ledger of one cycle.
func (h *Handler) StreamLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := cycleIDParam(w, r)
	if !ok {
		return
	}
	stream(h, w, r, h.ledgerObservable(id), func(u budget.Update[*budget.Ledger]) (string, any) {
		if u.Value == nil {
			return "absent", map[string]int64{"cycle_id": int64(id)}
		}
		return "ledger", toLedgerDTO(u.Value)
	})
}

func stream[T any](h *Handler, w http.ResponseWriter, r *http.Request,
	obs *budget.Observable[T], render func(budget.Update[T]) (string, any)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	observer := obs.Subscribe()
	defer observer.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-observer.C():
			if !ok {
				return
			}
			var (
				event string
				data  any
			)
			if u.Err != nil {
				event, data = "error", ErrorResponse{Error: "Failed to load view", Details: u.Err.Error()}
			} else {
				event, data = render(u)
			}
			if err := writeEvent(w, u.Seq, event, data); err != nil {
				h.logger.DebugContext(ctx, "stream closed", log.FieldPath, r.URL.Path, log.FieldError, err.Error())
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, seq uint64, event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, body)
	return err
}
