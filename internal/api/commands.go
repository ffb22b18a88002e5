package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-core/internal/fleet"
)

// commandRequest is the body of POST /devices/{id}/command.
type commandRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// lockRequest is the optional body of POST /devices/{id}/lock. Duration
// may be a number or a numeric string; anything else means the default.
type lockRequest struct {
	Duration any `json:"duration"`
}

// lockMinutes reads a lock duration, falling back to
// fleet.DefaultLockMinutes when v is missing, non-numeric or below one
// minute. Fractions are truncated.
func lockMinutes(v any) int {
	var f float64
	switch d := v.(type) {
	case float64:
		f = d
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(d), 64)
		if err != nil {
			return fleet.DefaultLockMinutes
		}
		f = parsed
	default:
		return fleet.DefaultLockMinutes
	}
	if f < 1 || f > math.MaxInt32 || math.IsNaN(f) {
		return fleet.DefaultLockMinutes
	}
	return int(f)
}

// decodeOptionalJSON decodes the request body into v. An empty body leaves
// v untouched.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleSendCommand dispatches an arbitrary action to a device.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeBadRequest(w, "Action is required")
		return
	}

	out, err := s.core.DispatchCommand(r.Context(), id, req.Action, req.Params)
	s.writeDispatch(w, id, out, err,
		fmt.Sprintf("Command %s sent to device %s", req.Action, id),
		"Failed to send command")
}

// handleLock locks the device screen; duration is in minutes.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req lockRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	minutes := lockMinutes(req.Duration)

	out, err := s.core.Lock(r.Context(), id, minutes)
	s.writeDispatch(w, id, out, err,
		fmt.Sprintf("Device %s locked for %d minutes", id, minutes),
		"Failed to lock device")
}

// handleUnlock unlocks the device screen.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.core.Unlock(r.Context(), id)
	s.writeDispatch(w, id, out, err, fmt.Sprintf("Device %s unlocked", id), "Failed to unlock device")
}

// handleReboot asks the device to restart.
func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.core.Reboot(r.Context(), id)
	s.writeDispatch(w, id, out, err, fmt.Sprintf("Reboot command sent to device %s", id), "Failed to reboot device")
}

// handlePendingCommands lists commands still awaiting a device response.
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pending := s.core.PendingCommands(id)
	if pending == nil {
		pending = []fleet.PendingCommand{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": id,
		"commands":  pending,
		"total":     len(pending),
	})
}

// writeDispatch maps a dispatch result to a response. A command that
// reached the device but could not be audited is reported as failed with
// its commandId; the device connection stays up.
func (s *Server) writeDispatch(w http.ResponseWriter, deviceID string, out *fleet.DispatchOutcome, err error, message, failure string) {
	switch {
	case err == nil:
	case errors.Is(err, fleet.ErrStoreFailure) && out != nil:
		s.logger.Error("command sent without activity log entry",
			"device_id", deviceID,
			"command_id", out.CommandID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, Error{
			Success:   false,
			Status:    http.StatusInternalServerError,
			Code:      ErrCodeStore,
			Message:   failure,
			CommandID: out.CommandID,
		})
		return
	case errors.Is(err, fleet.ErrInvalidCommand):
		writeBadRequest(w, "Action is required")
		return
	case errors.Is(err, fleet.ErrDeviceOffline):
		writeError(w, http.StatusNotFound, ErrCodeOffline, "Device is not online")
		return
	case errors.Is(err, fleet.ErrTransportFailure):
		s.logger.Warn("command transport failure", "device_id", deviceID, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeTransport, failure)
		return
	default:
		s.logger.Error("command dispatch failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"commandId": out.CommandID,
		"message":   message,
		"command":   out,
	})
}
