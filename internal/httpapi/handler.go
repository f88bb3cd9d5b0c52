// Package httpapi exposes the tracking engine over HTTP for rider apps.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/fusion"
)

// ErrorResponse is the JSON error response structure.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WSServer upgrades a request into a live location subscription for one bus.
type WSServer interface {
	ServeBus(w http.ResponseWriter, r *http.Request, busID int64)
}

// Handler routes rider-facing requests to the fusion engine.
type Handler struct {
	engine *fusion.Engine
	hub    WSServer
}

// NewHandler builds the handler. hub may be nil, in which case the WebSocket
// route is not mounted.
func NewHandler(engine *fusion.Engine, hub WSServer) *Handler {
	return &Handler{engine: engine, hub: hub}
}

// Router assembles the full route tree with CORS enabled for browser apps.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.Health)

	r.Post("/api/buses/{busID}/reports", h.SubmitReport)
	r.Post("/api/buses/{busID}/disembark", h.Disembark)
	r.Get("/api/buses/locations", h.ActiveLocations)
	r.Get("/api/buses/{busID}/location", h.BusLocation)
	r.Get("/api/buses/{busID}/history", h.BusLocationHistory)
	r.Get("/api/buses/{busID}/next-stop", h.NextStop)
	r.Get("/api/buses/{busID}/arrival/{stopID}", h.EstimatedArrival)
	r.Get("/api/routes/{fromID}/{toID}/buses", h.BusesOnRoute)
	r.Get("/api/users/{userID}/rewards", h.UserRewards)

	if h.hub != nil {
		r.Get("/ws/buses/{busID}", func(w http.ResponseWriter, r *http.Request) {
			busID, err := pathID(r, "busID")
			if err != nil {
				writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
				return
			}
			h.hub.ServeBus(w, r, busID)
		})
	}

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// SubmitReport handles POST /api/buses/{busID}/reports. The response is the
// reporter's reward account; a rejected report still returns 200 with a
// zero-point account describing the rejection, so the app can show why.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	busID, err := pathID(r, "busID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
		return
	}

	var report fusion.LocationReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report body", map[string]interface{}{
			"internal": err.Error(),
		})
		return
	}
	if report.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	report.BusID = busID
	if report.ReportID == "" {
		report.ReportID = fusion.NewReportID()
	}

	rewards := h.engine.ProcessLocationReport(r.Context(), report)
	writeJSON(w, http.StatusOK, rewards)
}

// BusLocation handles GET /api/buses/{busID}/location.
func (h *Handler) BusLocation(w http.ResponseWriter, r *http.Request) {
	busID, err := pathID(r, "busID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.GetCurrentBusLocation(r.Context(), busID))
}

// ActiveLocations handles GET /api/buses/locations.
func (h *Handler) ActiveLocations(w http.ResponseWriter, r *http.Request) {
	locs := h.engine.GetActiveBusLocations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": locs,
		"count":     len(locs),
	})
}

// BusLocationHistory handles GET /api/buses/{busID}/history?since=RFC3339.
func (h *Handler) BusLocationHistory(w http.ResponseWriter, r *http.Request) {
	busID, err := pathID(r, "busID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
		return
	}
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339", nil)
			return
		}
		since = ts
	}
	history := h.engine.GetBusLocationHistory(busID, since)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

// BusesOnRoute handles GET /api/routes/{fromID}/{toID}/buses.
func (h *Handler) BusesOnRoute(w http.ResponseWriter, r *http.Request) {
	fromID, err := pathID(r, "fromID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "fromID must be an integer", nil)
		return
	}
	toID, err := pathID(r, "toID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "toID must be an integer", nil)
		return
	}
	locs, err := h.engine.GetBusLocationsOnRoute(r.Context(), fromID, toID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve route buses", map[string]interface{}{
			"internal": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": locs,
		"count":     len(locs),
	})
}

// UserRewards handles GET /api/users/{userID}/rewards.
func (h *Handler) UserRewards(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.GetUserRewardPoints(userID))
}

// NextStop handles GET /api/buses/{busID}/next-stop.
func (h *Handler) NextStop(w http.ResponseWriter, r *http.Request) {
	busID, err := pathID(r, "busID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
		return
	}
	stop, ok := h.engine.PredictNextStop(r.Context(), busID)
	if !ok {
		writeError(w, http.StatusNotFound, "no next stop prediction available", map[string]interface{}{
			"busId": busID,
		})
		return
	}
	writeJSON(w, http.StatusOK, stop)
}

// EstimatedArrival handles GET /api/buses/{busID}/arrival/{stopID}.
func (h *Handler) EstimatedArrival(w http.ResponseWriter, r *http.Request) {
	busID, err := pathID(r, "busID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
		return
	}
	stopID, err := pathID(r, "stopID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "stopID must be an integer", nil)
		return
	}

	est, err := h.engine.GetEstimatedArrival(r.Context(), busID, stopID)
	switch {
	case errors.Is(err, fusion.ErrNoLocation):
		writeError(w, http.StatusNotFound, "bus location not available", map[string]interface{}{
			"busId": busID,
		})
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "stop not found", map[string]interface{}{
			"stopId": stopID,
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to estimate arrival", map[string]interface{}{
			"internal": err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, est)
	}
}

// Disembark handles POST /api/buses/{busID}/disembark.
func (h *Handler) Disembark(w http.ResponseWriter, r *http.Request) {
	busID, err := pathID(r, "busID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "busID must be an integer", nil)
		return
	}
	removed := h.engine.ProcessDisembarkation(busID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"busId":   busID,
		"removed": removed,
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]interface{}) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
