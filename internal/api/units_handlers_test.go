package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/taskview"
)

func TestUnitsHandlerListFiltersAndPages(t *testing.T) {
	t.Parallel()

	var views []taskview.View
	for i := 0; i < 5; i++ {
		status := taskview.StatusFinished
		if i%2 == 1 {
			status = taskview.StatusFailed
		}
		views = append(views, taskview.View{ID: fmt.Sprint(i), Status: status})
	}
	handler := NewUnitsHandler(newFakeViews(views...), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/units?status=success&limit=2&offset=1", nil)
	rec := httptest.NewRecorder()
	handler.ListUnits(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Units []taskview.View `json:"units"`
		Total int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.Len(t, body.Units, 2)
	require.Equal(t, "2", body.Units[0].ID)
	require.Equal(t, "4", body.Units[1].ID)
}

func TestUnitsHandlerListOffsetPastEnd(t *testing.T) {
	t.Parallel()

	handler := NewUnitsHandler(newFakeViews(taskview.View{ID: "a"}), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListUnits(rec, httptest.NewRequest(http.MethodGet, "/v1/units?offset=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"units":[]`)
}

func TestUnitsHandlerRejectsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewUnitsHandler(newFakeViews(), zap.NewNop())
	for _, query := range []string{"limit=-1", "limit=abc", "offset=-3", "status=exploded"} {
		rec := httptest.NewRecorder()
		handler.ListUnits(rec, httptest.NewRequest(http.MethodGet, "/v1/units?"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestUnitsHandlerUnavailable(t *testing.T) {
	t.Parallel()

	handler := NewUnitsHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListUnits(rec, httptest.NewRequest(http.MethodGet, "/v1/units", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnitsHandlerGetUnitMissingParam(t *testing.T) {
	t.Parallel()

	handler := NewUnitsHandler(newFakeViews(), zap.NewNop())
	req := withUnitIDParam(httptest.NewRequest(http.MethodGet, "/v1/units/", nil), " ")
	rec := httptest.NewRecorder()
	handler.GetUnit(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]taskview.Status{
		"queued":    taskview.StatusScheduled,
		"RUNNING":   taskview.StatusProcessing,
		"success":   taskview.StatusFinished,
		"error":     taskview.StatusFailed,
		"cancelled": taskview.StatusCanceled,
	}
	for input, want := range cases {
		got, err := parseStatus(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	_, err := parseStatus("nope")
	require.Error(t, err)
}

func withUnitIDParam(r *http.Request, unitID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("unit_id", unitID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
