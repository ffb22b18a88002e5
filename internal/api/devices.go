package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/nerrad567/fleet-core/internal/device"
)

// deviceView is a stored device annotated with live connection state.
type deviceView struct {
	device.Device
	IsConnected      bool       `json:"is_connected"`
	ConnectionStatus string     `json:"connection_status"`
	ConnectedSince   *time.Time `json:"connected_since,omitempty"`
}

func (s *Server) viewDevice(d device.Device) deviceView {
	v := deviceView{Device: d, ConnectionStatus: "offline"}
	if since, ok := s.core.ConnectedSince(d.ID); ok {
		v.IsConnected = true
		v.ConnectionStatus = "online"
		v.ConnectedSince = &since
	}
	return v
}

// handleListDevices returns every known device with its live status.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "Failed to get devices")
		return
	}

	views := lo.Map(devices, func(d device.Device, _ int) deviceView { return s.viewDevice(d) })
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"devices": views,
		"total":   len(views),
		"online":  lo.CountBy(views, func(v deviceView) bool { return v.IsConnected }),
	})
}

// handleGetDevice returns a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "Device not found")
			return
		}
		s.logger.Error("failed to get device", "device_id", id, "error", err)
		writeInternalError(w, "Failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  s.viewDevice(*d),
	})
}

// handleDeviceLogs returns one device's activity log, newest first.
func (s *Server) handleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	logs, err := s.activity.List(r.Context(), id, queryLimit(r))
	if err != nil {
		s.logger.Error("failed to list activity logs", "device_id", id, "error", err)
		writeInternalError(w, "Failed to get logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"logs":      logs,
		"device_id": id,
		"total":     len(logs),
	})
}

// handleListLogs returns the fleet-wide activity log.
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.activity.List(r.Context(), "", queryLimit(r))
	if err != nil {
		s.logger.Error("failed to list activity logs", "error", err)
		writeInternalError(w, "Failed to get logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    logs,
		"total":   len(logs),
	})
}

// queryLimit parses ?limit=. Missing or malformed values yield 0, which the
// repositories treat as their default.
func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
