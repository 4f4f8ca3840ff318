package api

import (
	"github.com/mattjoyce/batchlistener/internal/history"
	"github.com/mattjoyce/batchlistener/internal/listener"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Listener      listener.Snapshot `json:"listener"`
	History       *history.Stats    `json:"history,omitempty"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []history.Record `json:"events"`
	Count  int              `json:"count"`
}
