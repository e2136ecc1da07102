package client

import "time"

// ServiceStatus represents the status of a single supervised service
type ServiceStatus struct {
	Name              string     `json:"name"`
	Running           bool       `json:"running"`
	PID               int        `json:"pid,omitempty"`
	Port              int        `json:"port,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	Health            string     `json:"health"`
	LastHealthCheckAt *time.Time `json:"lastHealthCheckAt,omitempty"`
}

// ActionResult is the outcome of a start or stop request. OK is false when
// the supervisor refused (already running, not running, spawn failure).
type ActionResult struct {
	OK       bool            `json:"ok"`
	Services []ServiceStatus `json:"services"`
}

// HealthReport maps service names to their probe verdicts. OK is true when
// every running service answered healthy.
type HealthReport struct {
	OK       bool            `json:"ok"`
	Services map[string]bool `json:"services"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
