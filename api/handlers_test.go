/*
handlers_test.go - HTTP tests for the earnings API

Tests for:
- Shift lifecycle over HTTP (start/resume, rates, accruals, end, breakdown)
- Error mapping (400 validation, 404 ownership, 409 no active shift)
- History, period report and window parsing
- Service endpoints (/healthz, /metrics, /api/policy)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earnings-engine/earnings"
	"github.com/warp/earnings-engine/earnings/store"
	"github.com/warp/earnings-engine/metrics"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router  http.Handler
	clock   *earnings.ManualClock
	handler *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := earnings.NewManualClock(t0)
	policy := earnings.DefaultPolicy()
	engine := earnings.NewShiftEngine(store.NewTxMemory(), policy, earnings.WithClock(clock))
	h := NewHandler(engine, policy)
	return &testServer{
		router:  NewRouter(h, RouterOptions{Metrics: metrics.New("test")}),
		clock:   clock,
		handler: h,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) startShift(t *testing.T, worker string) ShiftDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/workers/"+worker+"/shifts", nil)
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decodeBody[StartShiftResponse](t, rec).Shift
}

func (s *testServer) accrue(t *testing.T, worker, shift, kind, value string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/workers/"+worker+"/shifts/"+shift+"/accruals",
		map[string]string{"kind": kind, "value": value})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) endShift(t *testing.T, worker, shift string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/workers/"+worker+"/shifts/"+shift+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAPI_ShiftLifecycle(t *testing.T) {
	// GIVEN: A registered worker with rates 200/50/10
	// WHEN: 2 orders, 10 units and 100 tips over two hours, then end
	// THEN: The breakdown shows net 470 and 235 per hour

	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/workers/w-1", RegisterWorkerRequest{DisplayName: "Ann"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Ann", decodeBody[WorkerDTO](t, rec).DisplayName)

	rec = s.do(t, http.MethodPost, "/api/workers/w-1/shifts", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decodeBody[StartShiftResponse](t, rec)
	assert.False(t, started.Resumed)
	assert.Empty(t, started.Notice)
	assert.Equal(t, "active", started.Shift.Status)

	rec = s.do(t, http.MethodPost, "/api/workers/w-1/shifts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resumed := decodeBody[StartShiftResponse](t, rec)
	assert.True(t, resumed.Resumed)
	assert.Contains(t, resumed.Notice, started.Shift.ID)

	for field, v := range map[string]string{"hourly_rate": "200", "per_order_rate": "50", "per_distance_unit_rate": "10"} {
		rec = s.do(t, http.MethodPut, "/api/workers/w-1/shifts/open/rates", map[string]string{"field": field, "value": v})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	s.clock.Advance(time.Hour)
	s.accrue(t, "w-1", "open", "order", "2")
	s.clock.Advance(time.Hour)
	s.accrue(t, "w-1", started.Shift.ID, "mileage", "10")
	s.accrue(t, "w-1", started.Shift.ID, "tips", "100")
	s.endShift(t, "w-1", started.Shift.ID)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts/"+started.Shift.ID+"/breakdown", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBody[BreakdownDTO](t, rec)
	assert.Equal(t, "completed", b.Status)
	assertDecimal(t, "2", b.Totals.DurationHours)
	assertDecimal(t, "600", b.Totals.GrossIncome)
	assertDecimal(t, "30", b.Totals.Tax)
	assertDecimal(t, "470", b.Totals.NetProfit)
	assertDecimal(t, "235", b.UnitRates.ProfitPerHour)
	assert.Len(t, b.Projections, 4)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts/"+started.Shift.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	full := decodeBody[ShiftRecordDTO](t, rec)
	assert.Len(t, full.Events, 8)
	assert.Equal(t, "START_SHIFT", full.Events[0].Type)

	details := map[string]earnings.Details{}
	for _, e := range full.Events {
		d, err := earnings.DecodeDetails(earnings.EventType(e.Type), e.Details)
		require.NoError(t, err, e.Type)
		details[e.Type] = d
	}
	assert.Equal(t, earnings.OrderDetails{Count: 2}, details["ADD_ORDER"])
	tips, ok := details["ADD_TIPS"].(earnings.TipsDetails)
	require.True(t, ok)
	assertDecimal(t, "100", tips.Amount)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts/"+started.Shift.ID+"/events/recent?n=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	require.Len(t, recent, 2)
	assert.Equal(t, "COMPLETE_SHIFT", recent[0]["type"])
	assert.Equal(t, "ADD_TIPS", recent[1]["type"])
}

func TestAPI_BreakdownAsOf(t *testing.T) {
	s := newTestServer(t)
	shift := s.startShift(t, "w-1")
	s.clock.Advance(3 * time.Hour)

	asOf := t0.Add(90 * time.Minute).Format(time.RFC3339)
	rec := s.do(t, http.MethodGet, "/api/workers/w-1/shifts/open/breakdown?as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBody[BreakdownDTO](t, rec)
	assert.Equal(t, shift.ID, b.ShiftID)
	assertDecimal(t, "1.5", b.Totals.DurationHours)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts/open/breakdown?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DeleteShift(t *testing.T) {
	s := newTestServer(t)
	shift := s.startShift(t, "w-1")

	rec := s.do(t, http.MethodDelete, "/api/workers/w-1/shifts/"+shift.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts/"+shift.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts/open", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_AccrualValidation(t *testing.T) {
	s := newTestServer(t)
	s.startShift(t, "w-1")

	tests := map[string]string{
		"missing value":  `{"kind": "order"}`,
		"unknown kind":   `{"kind": "bonus", "value": "5"}`,
		"negative tips":  `{"kind": "tips", "value": "-5"}`,
		"zero expense":   `{"kind": "expense", "value": "0"}`,
		"fractional":     `{"kind": "order", "value": "1.5"}`,
		"malformed json": `{"kind": `,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/workers/w-1/shifts/open/accruals", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodGet, "/api/workers/w-1/shifts/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decodeBody[ShiftDTO](t, rec)
	assert.Equal(t, int64(0), open.Orders)
	assertDecimal(t, "0", open.Tips)
}

func TestAPI_ValidationDetailsNameFields(t *testing.T) {
	s := newTestServer(t)
	s.startShift(t, "w-1")

	rec := s.do(t, http.MethodPut, "/api/workers/w-1/shifts/open/rates", `{"field": "bonus_rate", "value": 1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "Field")
}

func TestAPI_NoActiveShiftIsConflict(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/workers/w-1/shifts/open/accruals", map[string]string{"kind": "tips", "value": "10"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_active_shift", decodeBody[ErrorResponse](t, rec).Code)

	shift := s.startShift(t, "w-1")
	s.endShift(t, "w-1", shift.ID)

	rec = s.do(t, http.MethodPost, "/api/workers/w-1/shifts/"+shift.ID+"/end", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_FutureStartIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/workers/w-1/shifts", StartShiftRequest{StartTime: ptr(t0.Add(time.Hour))})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_time", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAPI_OtherWorkersShiftIsNotFound(t *testing.T) {
	// GIVEN: w-1 has an open shift
	// WHEN: w-2 addresses it by id
	// THEN: Every operation answers 404 and the shift is untouched

	s := newTestServer(t)
	shift := s.startShift(t, "w-1")
	base := "/api/workers/w-2/shifts/" + shift.ID

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base+"/breakdown", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base+"/events/recent", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, base, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		s.do(t, http.MethodPost, base+"/accruals", map[string]string{"kind": "tips", "value": "10"}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, base+"/end", nil).Code)

	rec := s.do(t, http.MethodGet, "/api/workers/w-1/shifts/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertDecimal(t, "0", decodeBody[ShiftDTO](t, rec).Tips)
}

func TestAPI_UnknownWorker(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/workers/nobody", nil).Code)
}

func TestWriteDomainError_StoreFailureHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, &earnings.StoreError{Op: "save shift", Err: errors.New("password=secret")})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Equal(t, "store", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// HISTORY AND REPORTS
// =============================================================================

func TestAPI_HistoryAndReport(t *testing.T) {
	// GIVEN: Three one-hour shifts at 100/h on 2025-03-10
	// WHEN: Listing with limit 2 and reporting the day
	// THEN: The page holds the two newest; the report sums all three

	s := newTestServer(t)
	var ids []string
	for i := 0; i < 3; i++ {
		shift := s.startShift(t, "w-1")
		rec := s.do(t, http.MethodPut, "/api/workers/w-1/shifts/open/rates", map[string]string{"field": "hourly_rate", "value": "100"})
		require.Equal(t, http.StatusOK, rec.Code)
		s.clock.Advance(time.Hour)
		s.endShift(t, "w-1", shift.ID)
		s.clock.Advance(30 * time.Minute)
		ids = append(ids, shift.ID)
	}

	rec := s.do(t, http.MethodGet, "/api/workers/w-1/shifts?preset=all_time&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[ShiftListDTO](t, rec)
	require.Len(t, page.Shifts, 2)
	assert.Equal(t, ids[2], page.Shifts[0].ID)
	assert.Equal(t, ids[1], page.Shifts[1].ID)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/shifts?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[ShiftListDTO](t, rec).Shifts, 1)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/report?from=2025-03-10&to=2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[PeriodReportDTO](t, rec)
	assert.Equal(t, 3, report.ShiftCount)
	assertDecimal(t, "3", report.Totals.DurationHours)
	assertDecimal(t, "300", report.Totals.GrossIncome)
	assertDecimal(t, "1", report.AvgHoursPerShift)
	assert.Len(t, report.Shifts, 3)

	rec = s.do(t, http.MethodGet, "/api/workers/w-1/report?from=2025-03-11&to=2025-03-12", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[PeriodReportDTO](t, rec).ShiftCount)
}

func TestAPI_WindowParsing(t *testing.T) {
	s := newTestServer(t)

	tests := map[string]int{
		"?preset=current_week":                     http.StatusOK,
		"?preset=yearly":                           http.StatusBadRequest,
		"?from=2025-03-01":                         http.StatusBadRequest,
		"?from=2025-03-10&to=2025-03-01":           http.StatusBadRequest,
		"?from=2025-03-01&to=2025-03-10&preset=x":  http.StatusBadRequest,
		"?from=2025-03-01T00:00:00Z&to=2025-03-10": http.StatusOK,
		"?from=March&to=2025-03-10":                http.StatusBadRequest,
	}
	for query, want := range tests {
		t.Run(query, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/workers/w-1/report"+query, nil)
			assert.Equal(t, want, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodGet, "/api/workers/w-1/shifts?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SERVICE ENDPOINTS
// =============================================================================

func TestAPI_ServiceEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.startShift(t, "w-1")

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_http_requests_total"))

	rec = s.do(t, http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var policy map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, "0.05", policy["tax_rate"])
}

func TestAPI_HealthReportsStoreFailure(t *testing.T) {
	s := newTestServer(t)
	s.handler.Ping = func(context.Context) error { return errors.New("connection refused") }

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func ptr[T any](v T) *T { return &v }
