// Package server wires HTTP handlers into a ServeMux for the relay
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check, chat and notification WebSocket endpoints, message
// history, and the notification ingress.
func (a *API) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.HealthHandler)
	mux.HandleFunc("GET /ws/chat/{groupID}", a.ChatSocketHandler)
	mux.HandleFunc("GET /ws/notifications", a.NotificationSocketHandler)
	mux.HandleFunc("GET /groups/{groupID}/messages", a.HistoryHandler)
	mux.HandleFunc("POST /send-notification", a.SendNotificationHandler)
	return mux
}
