// Package api implements the HTTP REST API and WebSocket server for Fleet Core.
//
// This package provides:
//   - REST endpoints for devices, activity logs, commands and notifications
//   - The device channel: one WebSocket per device agent, driven by a fleet.Session
//   - The observer channel: dashboards receiving real_time_update frames
//   - Prometheus exposition of the session core metrics
//   - Middleware stack (request ID, logging, recovery, CORS, body limit, JWT)
//
// # Architecture
//
// The server is a thin adapter over fleet.Core. Device sockets become
// fleet.Channel values handed to Core.NewSession; observer sockets become
// fleet.Observer values subscribed to the broadcast bus. REST command
// endpoints call Core.DispatchCommand and map the fleet error taxonomy to
// HTTP status codes.
//
// # Security
//
// Operator authentication is enabled by configuring security.jwt.secret.
// REST routes then require a bearer token and the observer socket takes the
// token from the token query parameter. Device sockets are not
// authenticated.
package api
