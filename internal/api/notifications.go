package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-core/internal/notification"
)

// handleDeviceNotifications lists notifications mirrored from one device.
func (s *Server) handleDeviceNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.writeNotifications(w, r, notification.Filter{
		DeviceID:    id,
		PackageName: r.URL.Query().Get("package"),
		Limit:       queryLimit(r),
	})
}

// handleListNotifications lists notifications across the fleet.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.writeNotifications(w, r, notification.Filter{
		DeviceID:    q.Get("device_id"),
		PackageName: q.Get("package"),
		Limit:       queryLimit(r),
	})
}

func (s *Server) writeNotifications(w http.ResponseWriter, r *http.Request, filter notification.Filter) {
	list, err := s.notifications.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list notifications", "device_id", filter.DeviceID, "error", err)
		writeInternalError(w, "Failed to get notifications")
		return
	}

	resp := map[string]any{
		"success":       true,
		"notifications": list,
		"total":         len(list),
	}
	if filter.DeviceID != "" {
		resp["device_id"] = filter.DeviceID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClearDeviceNotifications deletes every stored notification of a device.
func (s *Server) handleClearDeviceNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.notifications.ClearDevice(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to clear notifications", "device_id", id, "error", err)
		writeInternalError(w, "Failed to clear notifications")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": id,
		"deleted":   n,
	})
}

// handleDeleteNotification deletes one notification by row id.
func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	nid, err := strconv.ParseInt(chi.URLParam(r, "nid"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid notification id")
		return
	}

	if err := s.notifications.Delete(r.Context(), nid); err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			writeNotFound(w, "Notification not found")
			return
		}
		s.logger.Error("failed to delete notification", "id", nid, "error", err)
		writeInternalError(w, "Failed to delete notification")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Notification deleted",
	})
}
