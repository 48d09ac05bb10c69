package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/taskview"
)

const (
	defaultUnitLimit = 50
	maxUnitLimit     = 500
)

// UnitsHandler exposes the task list endpoints.
type UnitsHandler struct {
	views  UnitViews
	logger *zap.Logger
}

// NewUnitsHandler wires the view source and logger.
func NewUnitsHandler(views UnitViews, logger *zap.Logger) *UnitsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnitsHandler{views: views, logger: logger}
}

// ListUnits handles GET /v1/units?status=&limit=&offset=. It returns
// {"units": [...], "total": n} in scheduling order, 400 for invalid filters
// or 503 when no view source is wired.
func (h *UnitsHandler) ListUnits(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		writeError(w, http.StatusServiceUnavailable, "task views unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultUnitLimit, maxUnitLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *taskview.Status
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}

	views := h.views.Snapshot()
	if status != nil {
		filtered := views[:0:0]
		for _, v := range views {
			if v.Status == *status {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	total := len(views)
	if offset > len(views) {
		offset = len(views)
	}
	views = views[offset:]
	if len(views) > limit {
		views = views[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"units": views,
		"total": total,
	})
}

// GetUnit handles GET /v1/units/{unit_id}. It returns {"unit": {...}} or 404.
func (h *UnitsHandler) GetUnit(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		writeError(w, http.StatusServiceUnavailable, "task views unavailable")
		return
	}
	unitID, err := parseUnitID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.views.Get(unitID)
	if err != nil {
		if errors.Is(err, taskview.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		h.logger.Error("get unit failed", zap.String("unit_id", unitID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load unit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit": view})
}

// CancelUnit handles POST /v1/units/{unit_id}/cancel. It returns 200 once
// the unit is cancelled, 404 for unknown ids and 409 for finished units.
func (h *UnitsHandler) CancelUnit(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		writeError(w, http.StatusServiceUnavailable, "task views unavailable")
		return
	}
	unitID, err := parseUnitID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.views.Cancel(unitID); err != nil {
		switch {
		case errors.Is(err, taskview.ErrNotFound):
			writeError(w, http.StatusNotFound, "unit not found")
		case errors.Is(err, taskview.ErrFinished):
			writeError(w, http.StatusConflict, "unit already finished")
		default:
			h.logger.Error("cancel unit failed", zap.String("unit_id", unitID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel unit")
		}
		return
	}
	h.logger.Info("unit canceled via API", zap.String("unit_id", unitID))
	writeJSON(w, http.StatusOK, map[string]string{
		"unit_id": unitID,
		"status":  string(taskview.StatusCanceled),
	})
}

func parseUnitID(r *http.Request) (string, error) {
	unitID := strings.TrimSpace(chi.URLParam(r, "unit_id"))
	if unitID == "" {
		return "", errors.New("unit_id is required")
	}
	return unitID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (taskview.Status, error) {
	switch strings.ToLower(input) {
	case "scheduled", "queued":
		return taskview.StatusScheduled, nil
	case "processing", "running":
		return taskview.StatusProcessing, nil
	case "finished", "success":
		return taskview.StatusFinished, nil
	case "failed", "error", "failure":
		return taskview.StatusFailed, nil
	case "canceled", "cancelled":
		return taskview.StatusCanceled, nil
	default:
		return "", errors.New("invalid status")
	}
}
