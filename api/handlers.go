/*
handlers.go - HTTP API handlers for the earnings engine

PURPOSE:
  Exposes the shift engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to earnings.ShiftEngine.

ENDPOINTS:
  Workers:
    PUT    /api/workers/{workerID}          Register or rename worker
    GET    /api/workers/{workerID}          Get worker

  Shifts:
    POST   /api/workers/{workerID}/shifts                    Start (201) or resume (200)
    GET    /api/workers/{workerID}/shifts/open               Open shift
    GET    /api/workers/{workerID}/shifts                    Completed history
    GET    /api/workers/{workerID}/shifts/{shiftID}          Shift + events
    DELETE /api/workers/{workerID}/shifts/{shiftID}          Delete shift
    POST   /api/workers/{workerID}/shifts/{shiftID}/accruals Record accrual
    PUT    /api/workers/{workerID}/shifts/{shiftID}/rates    Update rate
    POST   /api/workers/{workerID}/shifts/{shiftID}/end      End shift

  Statistics:
    GET    /api/workers/{workerID}/shifts/{shiftID}/breakdown      ?as_of=
    GET    /api/workers/{workerID}/shifts/{shiftID}/events/recent  ?n=
    GET    /api/workers/{workerID}/report                          ?preset= | ?from=&to=

  The literal shift id "open" addresses the worker's open shift, so a
  client can record an accrual without tracking ids.

OWNERSHIP:
  The worker id in the path scopes every shift operation. A shift of
  another worker is reported as 404, never 403, so ids can't be probed.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid time ordering
  - 404: Worker or shift not found
  - 409: No shift in the required state
  - 500: Store failures (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - earnings/engine.go: Command and query semantics
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/earnings-engine/earnings"
	"github.com/warp/earnings-engine/factory"
)

// openShiftParam addresses the worker's open shift in place of an id.
const openShiftParam = "open"

// dateLayout is accepted for from/to in addition to RFC 3339.
const dateLayout = "2006-01-02"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *earnings.ShiftEngine
	PolicyFactory *factory.PolicyFactory
	Policy        earnings.Policy

	// Ping reports store health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error

	validate *validator.Validate
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *earnings.ShiftEngine, policy earnings.Policy) *Handler {
	return &Handler{
		Engine:        engine,
		PolicyFactory: factory.NewPolicyFactory(),
		Policy:        policy,
		validate:      validator.New(),
	}
}

// =============================================================================
// WORKER HANDLERS
// =============================================================================

// RegisterWorker creates the worker or updates its display name.
// PUT /api/workers/{workerID}
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if !h.decode(w, r, &req) {
		return
	}

	worker, err := h.Engine.RegisterWorker(r.Context(), workerParam(r), req.DisplayName)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDTO(worker))
}

// GetWorker returns a worker.
// GET /api/workers/{workerID}
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Engine.GetWorker(r.Context(), workerParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDTO(worker))
}

// =============================================================================
// SHIFT LIFECYCLE HANDLERS
// =============================================================================

// StartShift opens a shift, or resumes the open one.
// POST /api/workers/{workerID}/shifts
func (h *Handler) StartShift(w http.ResponseWriter, r *http.Request) {
	var req StartShiftRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.StartShift(r.Context(), earnings.StartShiftCommand{
		WorkerID:    workerParam(r),
		DisplayName: req.DisplayName,
		StartTime:   req.StartTime,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	resp := StartShiftResponse{Shift: toShiftDTO(res.Shift), Resumed: res.Resumed}
	if res.Notice != nil {
		status = http.StatusOK
		resp.Notice = res.Notice.Error()
	}
	writeJSON(w, status, resp)
}

// EndShift completes a shift.
// POST /api/workers/{workerID}/shifts/{shiftID}/end
func (h *Handler) EndShift(w http.ResponseWriter, r *http.Request) {
	var req EndShiftRequest
	if !h.decode(w, r, &req) {
		return
	}

	shift, err := h.Engine.EndShift(r.Context(), earnings.EndShiftCommand{
		WorkerID: workerParam(r),
		ShiftID:  shiftParam(r),
		EndTime:  req.EndTime,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(shift))
}

// RecordAccrual appends an order, tip, expense or mileage entry.
// POST /api/workers/{workerID}/shifts/{shiftID}/accruals
func (h *Handler) RecordAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if !h.decode(w, r, &req) {
		return
	}

	shift, err := h.Engine.RecordAccrual(r.Context(), earnings.AccrualCommand{
		WorkerID: workerParam(r),
		ShiftID:  shiftParam(r),
		Kind:     accrualKinds[req.Kind],
		Value:    *req.Value,
		Category: req.Category,
		At:       req.At,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(shift))
}

// UpdateRate sets one rate of an open shift.
// PUT /api/workers/{workerID}/shifts/{shiftID}/rates
func (h *Handler) UpdateRate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRateRequest
	if !h.decode(w, r, &req) {
		return
	}

	shift, err := h.Engine.UpdateRate(r.Context(), earnings.RateCommand{
		WorkerID: workerParam(r),
		ShiftID:  shiftParam(r),
		Field:    earnings.RateField(req.Field),
		Value:    *req.Value,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(shift))
}

// DeleteShift removes a shift with its events.
// DELETE /api/workers/{workerID}/shifts/{shiftID}
func (h *Handler) DeleteShift(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workerID := workerParam(r)

	rec, err := h.ownedShift(ctx, workerID, chi.URLParam(r, "shiftID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Engine.DeleteShift(ctx, rec.Shift.ID, workerID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SHIFT QUERY HANDLERS
// =============================================================================

// GetOpenShift returns the worker's forming or active shift.
// GET /api/workers/{workerID}/shifts/open
func (h *Handler) GetOpenShift(w http.ResponseWriter, r *http.Request) {
	workerID := workerParam(r)
	shift, err := h.Engine.GetOpenShift(r.Context(), workerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if shift == nil {
		writeError(w, http.StatusNotFound, "No open shift", nil)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(*shift))
}

// GetShift returns a shift with its full ledger.
// GET /api/workers/{workerID}/shifts/{shiftID}
func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedShift(r.Context(), workerParam(r), chi.URLParam(r, "shiftID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	events, err := toEventDTOs(earnings.SortEvents(rec.Events))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ShiftRecordDTO{Shift: toShiftDTO(rec.Shift), Events: events})
}

// ListShifts returns one page of completed shifts, newest first.
// GET /api/workers/{workerID}/shifts?preset=|from=&to=&limit=&offset=
func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	window, err := h.parseWindow(r, earnings.PresetAllTime)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", earnings.DefaultPageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	page := earnings.Page{Limit: limit, Offset: offset}.Normalize()
	shifts, err := h.Engine.GetCompletedShifts(r.Context(), workerParam(r), window, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ShiftListDTO{Shifts: toShiftDTOs(shifts), Limit: page.Limit, Offset: page.Offset})
}

// GetBreakdown returns the statistics card of a shift.
// GET /api/workers/{workerID}/shifts/{shiftID}/breakdown?as_of=
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.ownedShift(ctx, workerParam(r), chi.URLParam(r, "shiftID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeDomainError(w, &earnings.ValidationError{Field: "as_of", Value: raw, Reason: "must be RFC 3339"})
			return
		}
		asOf = &t
	}

	b, err := h.Engine.ComputeBreakdown(ctx, rec.Shift.ID, asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(b))
}

// GetRecentEvents returns the newest events of a shift.
// GET /api/workers/{workerID}/shifts/{shiftID}/events/recent?n=
func (h *Handler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.ownedShift(ctx, workerParam(r), chi.URLParam(r, "shiftID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	n, err := queryInt(r, "n", earnings.DefaultPageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	events, err := h.Engine.RecentEvents(ctx, rec.Shift.ID, n)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos, err := toEventDTOs(events)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReport aggregates completed shifts over a window.
// GET /api/workers/{workerID}/report?preset=|from=&to=
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	window, err := h.parseWindow(r, earnings.PresetCurrentWeek)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	report, err := h.Engine.ComputePeriodReport(r.Context(), workerParam(r), window)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodReportDTO(report))
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

// GetPolicy returns the active calculation policy.
// GET /api/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Policy))
}

// Health reports liveness and store reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func workerParam(r *http.Request) earnings.WorkerID {
	return earnings.WorkerID(chi.URLParam(r, "workerID"))
}

// shiftParam maps "open" to the empty id the engine resolves to the open shift.
func shiftParam(r *http.Request) earnings.ShiftID {
	id := chi.URLParam(r, "shiftID")
	if id == openShiftParam {
		return ""
	}
	return earnings.ShiftID(id)
}

// ownedShift loads a shift by path parameter and hides other workers' shifts.
func (h *Handler) ownedShift(ctx context.Context, workerID earnings.WorkerID, param string) (earnings.ShiftRecord, error) {
	id := earnings.ShiftID(param)
	if param == openShiftParam {
		open, err := h.Engine.GetOpenShift(ctx, workerID)
		if err != nil {
			return earnings.ShiftRecord{}, err
		}
		if open == nil {
			return earnings.ShiftRecord{}, &earnings.NoActiveShiftError{WorkerID: workerID}
		}
		id = open.ID
	}

	rec, err := h.Engine.GetShift(ctx, id)
	if err != nil {
		return earnings.ShiftRecord{}, err
	}
	if rec.Shift.WorkerID != workerID {
		return earnings.ShiftRecord{}, &earnings.NotFoundError{Kind: "shift", ID: param}
	}
	return rec, nil
}

// decode reads an optional JSON body into dst and validates it. It writes
// the error response itself and reports whether the handler may proceed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: validationDetails(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func validationDetails(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out[fe.Field()] = fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		} else {
			out[fe.Field()] = "failed " + fe.Tag()
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &earnings.ValidationError{Field: key, Value: raw, Reason: "must be an integer"}
	}
	return v, nil
}

// parseWindow reads either ?preset= or ?from=&to=. Dates without a time
// are taken in the engine's timezone; a date-only "to" covers the whole day.
func (h *Handler) parseWindow(r *http.Request, def earnings.Preset) (earnings.Window, error) {
	q := r.URL.Query()
	now := h.Engine.Clock.Now()
	from, to, preset := q.Get("from"), q.Get("to"), q.Get("preset")

	if from == "" && to == "" {
		if preset == "" {
			preset = string(def)
		}
		return earnings.WindowFor(earnings.Preset(preset), now)
	}
	if preset != "" {
		return earnings.Window{}, &earnings.ValidationError{Field: "preset", Reason: "cannot be combined with from/to"}
	}
	if from == "" || to == "" {
		return earnings.Window{}, &earnings.ValidationError{Field: "window", Reason: "both from and to are required"}
	}

	start, err := parseInstant("from", from, now.Location(), false)
	if err != nil {
		return earnings.Window{}, err
	}
	end, err := parseInstant("to", to, now.Location(), true)
	if err != nil {
		return earnings.Window{}, err
	}
	w := earnings.Window{Start: start, End: end}
	return w, w.Validate()
}

func parseInstant(field, raw string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, &earnings.ValidationError{Field: field, Value: raw, Reason: "must be RFC 3339 or YYYY-MM-DD"}
	}
	if endOfDay {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return d, nil
}

// =============================================================================
// RESPONSE HELPERS
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

// writeDomainError maps engine error categories onto HTTP statuses.
// Store failures are logged by the engine and not echoed to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	status, message := http.StatusInternalServerError, "Internal error"
	switch {
	case earnings.IsNotFound(err):
		status, message = http.StatusNotFound, "Not found"
	case errors.Is(err, earnings.ErrNoActiveShift):
		status, message = http.StatusConflict, "No active shift"
	case earnings.IsClientError(err):
		status, message = http.StatusBadRequest, "Invalid request"
	}

	resp := ErrorResponse{Error: message, Code: earnings.Kind(err)}
	if status != http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
