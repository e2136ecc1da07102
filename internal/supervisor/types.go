package supervisor

import (
	"time"
)

// Known service names.
const (
	StreamServer = "stream-server"
	ChatBot      = "chat-bot"
)

// Health is the last probe verdict for a service.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Descriptor is the static launch configuration of one service.
type Descriptor struct {
	Name     string
	Target   string   // executable or script to spawn
	Args     []string // arguments after Target
	Port     int      // health-check port; not validated against the actual bind
	Optional bool     // skipped by StartAll when Target is absent on disk
	TLS      bool     // /health is served over HTTPS
	Env      []string // extra KEY=VALUE pairs for this service
}

// Status is a snapshot of one service. PID, Port and StartedAt are set only
// while Running.
type Status struct {
	Name              string     `json:"name"`
	Running           bool       `json:"running"`
	PID               int        `json:"pid,omitempty"`
	Port              int        `json:"port,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	Health            Health     `json:"health"`
	LastHealthCheckAt *time.Time `json:"lastHealthCheckAt,omitempty"`
}

func idle(name string, h Health) Status {
	return Status{Name: name, Health: h}
}
