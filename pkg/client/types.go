package client

import "time"

// CreateRequest describes a new database instance record.
type CreateRequest struct {
	Engine        string `json:"engine"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ContainerID   string `json:"container_id,omitempty"`
	EngineVersion string `json:"engine_version,omitempty"`
	AutoStart     bool   `json:"auto_start"`
}

// Database mirrors the daemon's record JSON.
type Database struct {
	ID            string    `json:"id"`
	Engine        string    `json:"engine"`
	Port          int       `json:"port"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"password,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	BinaryHint    string    `json:"binary_hint,omitempty"`
	EngineVersion string    `json:"engine_version,omitempty"`
	Status        string    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	LastStartedAt time.Time `json:"last_started_at,omitempty"`
	AutoStart     bool      `json:"auto_start"`
}

// Status is the live state of one instance.
type Status struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

// CredentialsRequest updates user/password on a running instance.
type CredentialsRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CheckResult is a driver-level connectivity probe outcome.
type CheckResult struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// AutoStartSummary reports one auto-start pass.
type AutoStartSummary struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Reassigned int `json:"reassigned"`
}

// Event is one lifecycle notification from the daemon's event log.
type Event struct {
	Type        string    `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	ID          string    `json:"id,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	Engine      string    `json:"engine,omitempty"`
	Status      string    `json:"status,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Port        int       `json:"port,omitempty"`
	Ready       bool      `json:"ready,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// ErrorResponse is the daemon's error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
