package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Engine identifies one supported database server kind.
type Engine string

const (
	EnginePostgres Engine = "postgresql"
	EngineMySQL    Engine = "mysql"
	EngineMongo    Engine = "mongodb"
	EngineRedis    Engine = "redis"
)

// Engines lists all supported engines in a stable order.
func Engines() []Engine {
	return []Engine{EnginePostgres, EngineMySQL, EngineMongo, EngineRedis}
}

// ParseEngine normalizes a user-supplied engine name.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EnginePostgres, EngineMySQL, EngineMongo, EngineRedis:
		return Engine(s), nil
	}
	switch s {
	case "postgres", "pg":
		return EnginePostgres, nil
	case "mongo":
		return EngineMongo, nil
	}
	return "", fmt.Errorf("unknown engine %q", s)
}

// Status is the lifecycle state of a managed database instance.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
)

// Record is the persisted state for one managed database instance.
// ID is unique and immutable after creation, as is Engine. ContainerID
// names the on-disk data directory and defaults to ID when empty.
// PID is zero exactly when Status is stopped. LastStartedAt is set on
// spawn and cleared whenever the process stops, so uptime is always
// computed from the current run.
type Record struct {
	ID            string    `json:"id"`
	Engine        Engine    `json:"engine"`
	Port          int       `json:"port"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"password,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	BinaryHint    string    `json:"binary_hint,omitempty"`
	EngineVersion string    `json:"engine_version,omitempty"`
	Status        Status    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	LastStartedAt time.Time `json:"last_started_at,omitempty"`
	AutoStart     bool      `json:"auto_start"`
}

// EffectiveContainerID returns ContainerID, falling back to ID.
func (r *Record) EffectiveContainerID() string {
	if r.ContainerID != "" {
		return r.ContainerID
	}
	return r.ID
}

// DataDir derives the engine data directory under base. It is never
// persisted; the stored handle is ContainerID.
func (r *Record) DataDir(base string) string {
	return filepath.Join(base, "data", r.EffectiveContainerID())
}

// TmpDir is the per-instance temporary directory inside the data
// directory. Engine temp environment variables point here so concurrent
// instances never collide on a shared /tmp.
func (r *Record) TmpDir(base string) string {
	return filepath.Join(r.DataDir(base), "tmp")
}

// RunDir holds per-instance sockets and pid files.
func (r *Record) RunDir(base string) string {
	return filepath.Join(base, "run", r.EffectiveContainerID())
}

// LogPath is the rotated capture file for the child's stdout/stderr.
func (r *Record) LogPath(base string) string {
	return filepath.Join(base, "log", r.EffectiveContainerID()+".log")
}

// Validate checks the fields a record needs before it can be launched.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("record id is empty")
	}
	if _, err := ParseEngine(string(r.Engine)); err != nil {
		return err
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("port %d out of range", r.Port)
	}
	return nil
}

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("record not found")

// Store persists database records. It is the single source of truth for
// durable state; implementations must serialize writes so concurrent
// mutations from different subsystems cannot lose updates.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Save inserts a new record or replaces every mutable field of an
	// existing one.
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	// MarkStarting persists status=starting with the fresh pid and start
	// time, MarkRunning flips status to running keeping the start time,
	// and MarkStopped clears pid and start time in one step.
	MarkStarting(ctx context.Context, id string, pid int, at time.Time) error
	MarkRunning(ctx context.Context, id string, pid int) error
	MarkStopped(ctx context.Context, id string) error
	UpdatePort(ctx context.Context, id string, port int) error
	UpdateCredentials(ctx context.Context, id, username, password string) error
	UpdateBinaryHint(ctx context.Context, id, hint string) error
	Close() error
}
