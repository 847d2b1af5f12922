// Package db provides PostgreSQL connectivity and the data model for
// pulse. It owns schema migrations, the device inventory tables, scan
// task and result bookkeeping, and the event/history audit trail.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
)

// sanitizeDBError converts raw database errors into sanitized typed
// errors that don't expose SQL details or credentials. The original
// error is preserved in the Cause field for internal debugging.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		dbErr := errors.NewDatabaseError(errors.CodeNotFound, "resource not found")
		dbErr.Operation = operation
		return dbErr
	}

	if pqErr, ok := err.(*pq.Error); ok {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "data validation failed")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "database operation was canceled")
		case "57P01": // admin_shutdown
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "database connection lost")
		case "08000", "08003", "08006": // connection errors
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "database connection error")
		default:
			msg := fmt.Sprintf("database operation failed: %s", operation)
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery, msg)
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	dbErr := errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("database operation failed: %s", operation))
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with pulse-specific helpers.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// The password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		Database:        "pulse",
		Username:        "pulse",
		Password:        "",
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// Connect establishes a connection to PostgreSQL. Returned errors are
// sanitized so they never leak credentials or the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	sqlxDB, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	sqlxDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlxDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := sqlxDB.PingContext(ctx); err != nil {
		if closeErr := sqlxDB.Close(); closeErr != nil {
			logging.ErrorDatabase("failed to close connection after ping failure", closeErr)
		}
		return nil, errors.ErrDatabaseConnection(err)
	}

	logging.InfoDatabase("connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: sqlxDB}, nil
}

// closeRows closes a named-query result set, logging on failure.
func closeRows(rows *sqlx.Rows) {
	if err := rows.Close(); err != nil {
		logging.ErrorDatabase("failed to close rows", err)
	}
}

// DeviceRepository handles device inventory operations.
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository creates a new device repository.
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// GetByIP retrieves a device by IP address.
func (r *DeviceRepository) GetByIP(ctx context.Context, ip IPAddr) (*Device, error) {
	var device Device
	query := `SELECT * FROM devices WHERE ip_address = $1`

	if err := r.db.GetContext(ctx, &device, query, ip); err != nil {
		return nil, sanitizeDBError("get device by ip", err)
	}

	return &device, nil
}

// GetByID retrieves a device by ID.
func (r *DeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	var device Device
	query := `SELECT * FROM devices WHERE id = $1`

	if err := r.db.GetContext(ctx, &device, query, id); err != nil {
		return nil, sanitizeDBError("get device", err)
	}

	return &device, nil
}

// List retrieves devices, optionally filtered by status, most
// recently seen first.
func (r *DeviceRepository) List(ctx context.Context, status string, limit int) ([]*Device, error) {
	var devices []*Device

	if status != "" {
		query := `SELECT * FROM devices WHERE status = $1 ORDER BY last_seen DESC LIMIT $2`
		if err := r.db.SelectContext(ctx, &devices, query, status, limit); err != nil {
			return nil, sanitizeDBError("list devices", err)
		}
		return devices, nil
	}

	query := `SELECT * FROM devices ORDER BY last_seen DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &devices, query, limit); err != nil {
		return nil, sanitizeDBError("list devices", err)
	}

	return devices, nil
}

// ListInNetwork retrieves devices whose address falls inside the CIDR.
func (r *DeviceRepository) ListInNetwork(ctx context.Context, network string) ([]*Device, error) {
	var devices []*Device
	query := `SELECT * FROM devices WHERE ip_address << $1 ORDER BY ip_address`

	if err := r.db.SelectContext(ctx, &devices, query, network); err != nil {
		return nil, sanitizeDBError("list devices in network", err)
	}

	return devices, nil
}

// TaskRepository handles scan task lifecycle operations.
type TaskRepository struct {
	db *DB
}

// NewTaskRepository creates a new scan task repository.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create persists a new pending scan task.
func (r *TaskRepository) Create(ctx context.Context, task *ScanTask) error {
	query := `
		INSERT INTO scan_tasks (id, profile, target, status, priority, scan_options)
		VALUES (:id, :profile, :target, :status, :priority, :scan_options)
		RETURNING created_at`

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}

	rows, err := r.db.NamedQueryContext(ctx, query, task)
	if err != nil {
		return sanitizeDBError("create scan task", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&task.CreatedAt); err != nil {
			return sanitizeDBError("scan created task", err)
		}
	}

	return nil
}

// UpdateStatus records a status transition. The UPDATE carries the
// allowed predecessor states in its WHERE clause so terminal states
// can never be overwritten, even by racing writers.
func (r *TaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	var query string
	var args []interface{}

	switch status {
	case TaskStatusRunning:
		query = `UPDATE scan_tasks SET status = $1, started_at = NOW()
			WHERE id = $2 AND status = $3`
		args = []interface{}{status, id, TaskStatusPending}
	case TaskStatusCompleted, TaskStatusFailed:
		query = `UPDATE scan_tasks SET status = $1, completed_at = NOW(), error = $2
			WHERE id = $3 AND status = $4`
		args = []interface{}{status, errorMsg, id, TaskStatusRunning}
	case TaskStatusCancelled:
		query = `UPDATE scan_tasks SET status = $1, completed_at = NOW(), error = $2
			WHERE id = $3 AND status IN ($4, $5)`
		args = []interface{}{status, errorMsg, id, TaskStatusPending, TaskStatusRunning}
	default:
		return errors.NewDatabaseError(errors.CodeValidation,
			fmt.Sprintf("invalid task status %q", status))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return sanitizeDBError("update task status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return sanitizeDBError("update task status", err)
	}
	if affected == 0 {
		return errors.NewDatabaseError(errors.CodeConflict,
			fmt.Sprintf("task %s not in a state permitting transition to %s", id, status))
	}

	return nil
}

// GetByID retrieves a scan task by ID.
func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*ScanTask, error) {
	var task ScanTask
	query := `SELECT * FROM scan_tasks WHERE id = $1`

	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		return nil, sanitizeDBError("get scan task", err)
	}

	return &task, nil
}

// List retrieves scan tasks, optionally filtered by status, newest first.
func (r *TaskRepository) List(ctx context.Context, status string, limit int) ([]*ScanTask, error) {
	var tasks []*ScanTask

	if status != "" {
		query := `SELECT * FROM scan_tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		if err := r.db.SelectContext(ctx, &tasks, query, status, limit); err != nil {
			return nil, sanitizeDBError("list scan tasks", err)
		}
		return tasks, nil
	}

	query := `SELECT * FROM scan_tasks ORDER BY created_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, sanitizeDBError("list scan tasks", err)
	}

	return tasks, nil
}

// HasIncomplete reports whether any task for the given profile and
// target is still pending or running. The scheduler uses this to skip
// a firing when the previous invocation has not finished.
func (r *TaskRepository) HasIncomplete(ctx context.Context, profile, target string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(
		SELECT 1 FROM scan_tasks
		WHERE profile = $1 AND target = $2 AND status IN ($3, $4))`

	err := r.db.GetContext(ctx, &exists, query, profile, target,
		TaskStatusPending, TaskStatusRunning)
	if err != nil {
		return false, sanitizeDBError("check incomplete tasks", err)
	}

	return exists, nil
}

// ResultRepository handles immutable scan result records.
type ResultRepository struct {
	db *DB
}

// NewResultRepository creates a new scan result repository.
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Create persists a scan result. Results are append-only.
func (r *ResultRepository) Create(ctx context.Context, result *ScanResult) error {
	query := `
		INSERT INTO scan_results (
			id, task_id, command, tool_version, raw_output,
			hosts_found, hosts_up, duration_ms, summary
		)
		VALUES (
			:id, :task_id, :command, :tool_version, :raw_output,
			:hosts_found, :hosts_up, :duration_ms, :summary
		)
		RETURNING created_at`

	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}

	rows, err := r.db.NamedQueryContext(ctx, query, result)
	if err != nil {
		return sanitizeDBError("create scan result", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&result.CreatedAt); err != nil {
			return sanitizeDBError("scan created result", err)
		}
	}

	return nil
}

// GetByTask retrieves all results recorded for a task.
func (r *ResultRepository) GetByTask(ctx context.Context, taskID uuid.UUID) ([]*ScanResult, error) {
	var results []*ScanResult
	query := `SELECT * FROM scan_results WHERE task_id = $1 ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &results, query, taskID); err != nil {
		return nil, sanitizeDBError("get scan results", err)
	}

	return results, nil
}

// PortRepository handles port state queries.
type PortRepository struct {
	db *DB
}

// NewPortRepository creates a new port repository.
func NewPortRepository(db *DB) *PortRepository {
	return &PortRepository{db: db}
}

// GetByDevice retrieves all port rows for a device ordered by
// protocol then port number.
func (r *PortRepository) GetByDevice(ctx context.Context, deviceID uuid.UUID) ([]*Port, error) {
	var ports []*Port
	query := `SELECT * FROM ports WHERE device_id = $1 ORDER BY protocol, port_number`

	if err := r.db.SelectContext(ctx, &ports, query, deviceID); err != nil {
		return nil, sanitizeDBError("get ports", err)
	}

	return ports, nil
}

// GetOpenByDevice retrieves currently-open port rows for a device.
func (r *PortRepository) GetOpenByDevice(ctx context.Context, deviceID uuid.UUID) ([]*Port, error) {
	var ports []*Port
	query := `SELECT * FROM ports WHERE device_id = $1 AND state = $2 ORDER BY protocol, port_number`

	if err := r.db.SelectContext(ctx, &ports, query, deviceID, PortStateOpen); err != nil {
		return nil, sanitizeDBError("get open ports", err)
	}

	return ports, nil
}

// EventRepository handles the operator-facing event stream.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create persists an event.
func (r *EventRepository) Create(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (id, device_id, task_id, event_type, severity, message, metadata)
		VALUES (:id, :device_id, :task_id, :event_type, :severity, :message, :metadata)
		RETURNING created_at`

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rows, err := r.db.NamedQueryContext(ctx, query, event)
	if err != nil {
		return sanitizeDBError("create event", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&event.CreatedAt); err != nil {
			return sanitizeDBError("scan created event", err)
		}
	}

	return nil
}

// List retrieves recent events, optionally filtered by severity.
func (r *EventRepository) List(ctx context.Context, severity string, limit int) ([]*Event, error) {
	var events []*Event

	if severity != "" {
		query := `SELECT * FROM events WHERE severity = $1 ORDER BY created_at DESC LIMIT $2`
		if err := r.db.SelectContext(ctx, &events, query, severity, limit); err != nil {
			return nil, sanitizeDBError("list events", err)
		}
		return events, nil
	}

	query := `SELECT * FROM events ORDER BY created_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, sanitizeDBError("list events", err)
	}

	return events, nil
}

// ListByDevice retrieves events for one device, newest first.
func (r *EventRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*Event, error) {
	var events []*Event
	query := `SELECT * FROM events WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`

	if err := r.db.SelectContext(ctx, &events, query, deviceID, limit); err != nil {
		return nil, sanitizeDBError("list device events", err)
	}

	return events, nil
}

// HistoryRepository handles the append-only device change log.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new device history repository.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// ListByDevice retrieves history rows for one device, newest first.
func (r *HistoryRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*DeviceHistory, error) {
	var history []*DeviceHistory
	query := `SELECT * FROM device_history WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`

	if err := r.db.SelectContext(ctx, &history, query, deviceID, limit); err != nil {
		return nil, sanitizeDBError("list device history", err)
	}

	return history, nil
}

// OUIRepository handles the MAC prefix vendor cache.
type OUIRepository struct {
	db *DB
}

// NewOUIRepository creates a new OUI cache repository.
func NewOUIRepository(db *DB) *OUIRepository {
	return &OUIRepository{db: db}
}

// Lookup resolves a vendor name for a MAC prefix. Returns a
// not-found error when the prefix is unknown.
func (r *OUIRepository) Lookup(ctx context.Context, oui string) (string, error) {
	var vendor string
	query := `SELECT vendor FROM oui_cache WHERE oui = $1`

	if err := r.db.GetContext(ctx, &vendor, query, oui); err != nil {
		return "", sanitizeDBError("lookup oui", err)
	}

	return vendor, nil
}

// BulkUpsert loads vendor mappings, replacing existing entries.
func (r *OUIRepository) BulkUpsert(ctx context.Context, entries []OUIVendor) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin oui upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO oui_cache (oui, vendor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (oui) DO UPDATE SET vendor = EXCLUDED.vendor, updated_at = NOW()`

	for i := range entries {
		if _, err := tx.ExecContext(ctx, query, entries[i].OUI, entries[i].Vendor); err != nil {
			return sanitizeDBError("upsert oui entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit oui upsert", err)
	}

	return nil
}
