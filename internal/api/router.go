package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/fleet-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	// Sockets authenticate in their handlers.
	r.Get(s.wsCfg.DevicePath, s.handleDeviceSocket)
	r.Get(s.wsCfg.ObserverPath, s.handleObserverSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/logs", s.handleListLogs)

			r.Route("/notifications", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListNotifications)
				r.With(s.requirePermission(auth.PermLogsManage)).Delete("/{nid}", s.handleDeleteNotification)
			})

			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermDeviceRead))
						r.Get("/", s.handleGetDevice)
						r.Get("/logs", s.handleDeviceLogs)
						r.Get("/commands/pending", s.handlePendingCommands)
						r.Get("/notifications", s.handleDeviceNotifications)
					})

					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermCommandSend))
						r.Post("/command", s.handleSendCommand)
						r.Post("/lock", s.handleLock)
						r.Post("/unlock", s.handleUnlock)
						r.Post("/reboot", s.handleReboot)
					})

					r.With(s.requirePermission(auth.PermLogsManage)).Delete("/notifications", s.handleClearDeviceNotifications)
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status and live connection counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"connected_devices": s.core.OnlineCount(),
		"observers":         s.core.ObserverCount(),
	})
}
