package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lanlink/internal/fleet"
)

// setValueRequest is the body for POST /devices/{id}/set.
type setValueRequest struct {
	Index int `json:"index"`
	Value any `json:"value"`
}

// handleListDevices returns the status of every managed device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	statuses := s.fleet.DeviceStatuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": statuses,
		"count":   len(statuses),
	})
}

// handleSetValue pushes one datapoint value to a device.
func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req setValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.fleet.SetValue(r.Context(), deviceID, req.Index, req.Value)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"device_id": deviceID,
			"index":     req.Index,
			"status":    "ok",
		})
	case errors.Is(err, fleet.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, fleet.ErrNotConnected):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device not connected")
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}

// handleRemoveDevice removes a device from the registry along with its
// session and announced entities. Removing an unknown device succeeds:
// the handler finalizes removals, it does not verify prior existence.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	if err := s.fleet.RemoveDevice(r.Context(), deviceID); err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"status":    "removed",
	})
}

// handleReload tears down and reactivates every account entry.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.ReloadAll(r.Context()); err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}
