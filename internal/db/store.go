package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DeviceByIP retrieves a device by IP address.
func (db *DB) DeviceByIP(ctx context.Context, ip IPAddr) (*Device, error) {
	return NewDeviceRepository(db).GetByIP(ctx, ip)
}

// DevicePorts retrieves all port rows for a device.
func (db *DB) DevicePorts(ctx context.Context, deviceID uuid.UUID) ([]*Port, error) {
	return NewPortRepository(db).GetByDevice(ctx, deviceID)
}

// RecordEvent persists a single event outside a merge transaction.
func (db *DB) RecordEvent(ctx context.Context, event *Event) error {
	return NewEventRepository(db).Create(ctx, event)
}

// CreateTask persists a new scan task row.
func (db *DB) CreateTask(ctx context.Context, task *ScanTask) error {
	return NewTaskRepository(db).Create(ctx, task)
}

// UpdateTaskStatus advances a task through its lifecycle.
func (db *DB) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	return NewTaskRepository(db).UpdateStatus(ctx, id, status, errorMsg)
}

// HasIncompleteTask reports whether a pending or running task exists
// for the given profile and target.
func (db *DB) HasIncompleteTask(ctx context.Context, profile, target string) (bool, error) {
	return NewTaskRepository(db).HasIncomplete(ctx, profile, target)
}

// TaskByID retrieves a scan task by ID.
func (db *DB) TaskByID(ctx context.Context, id uuid.UUID) (*ScanTask, error) {
	return NewTaskRepository(db).GetByID(ctx, id)
}

// CreateResult persists one immutable scan result row.
func (db *DB) CreateResult(ctx context.Context, result *ScanResult) error {
	return NewResultRepository(db).Create(ctx, result)
}

// PortMerge pairs a desired port row with the service detail observed
// on it, if any.
type PortMerge struct {
	Port    *Port
	Service *Service
}

// HostMerge is the full set of writes for one scanned host. It is
// applied in a single transaction so a crash mid-merge never leaves a
// device half-updated.
type HostMerge struct {
	Device  *Device
	IsNew   bool
	Ports   []PortMerge
	History []*DeviceHistory
	Events  []*Event
}

// ApplyHostMerge atomically persists the merge for one host: the
// device upsert, port and service upserts, history rows, and events.
// On success the IDs of newly inserted rows are filled in.
func (db *DB) ApplyHostMerge(ctx context.Context, m *HostMerge) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin host merge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := mergeDevice(ctx, tx, m); err != nil {
		return err
	}

	for i := range m.Ports {
		if err := mergePort(ctx, tx, m.Device.ID, &m.Ports[i]); err != nil {
			return err
		}
	}

	for _, h := range m.History {
		h.DeviceID = m.Device.ID
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}

	for _, e := range m.Events {
		if e.DeviceID == nil {
			id := m.Device.ID
			e.DeviceID = &id
		}
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit host merge", err)
	}

	return nil
}

func mergeDevice(ctx context.Context, tx *sqlx.Tx, m *HostMerge) error {
	d := m.Device

	if m.IsNew {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		query := `
			INSERT INTO devices (
				id, ip_address, mac_address, hostname, vendor, device_type,
				confidence, os_name, os_family, os_version, status, miss_count,
				first_seen, last_seen
			)
			VALUES (
				:id, :ip_address, :mac_address, :hostname, :vendor, :device_type,
				:confidence, :os_name, :os_family, :os_version, :status, 0,
				NOW(), NOW()
			)
			RETURNING first_seen, last_seen, created_at, updated_at`

		rows, err := tx.NamedQuery(query, d)
		if err != nil {
			return sanitizeDBError("insert device", err)
		}
		defer closeRows(rows)

		if rows.Next() {
			if err := rows.Scan(&d.FirstSeen, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
				return sanitizeDBError("scan inserted device", err)
			}
		}
		return nil
	}

	query := `
		UPDATE devices SET
			mac_address = :mac_address,
			hostname = :hostname,
			vendor = :vendor,
			device_type = :device_type,
			confidence = :confidence,
			os_name = :os_name,
			os_family = :os_family,
			os_version = :os_version,
			status = :status,
			miss_count = 0,
			last_seen = NOW(),
			updated_at = NOW()
		WHERE id = :id`

	if _, err := tx.NamedExecContext(ctx, query, d); err != nil {
		return sanitizeDBError("update device", err)
	}
	return nil
}

func mergePort(ctx context.Context, tx *sqlx.Tx, deviceID uuid.UUID, pm *PortMerge) error {
	p := pm.Port
	p.DeviceID = deviceID
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	query := `
		INSERT INTO ports (
			id, device_id, port_number, protocol, state,
			service_name, service_product, service_version, banner,
			first_seen, last_seen
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (device_id, port_number, protocol) DO UPDATE SET
			state = EXCLUDED.state,
			service_name = EXCLUDED.service_name,
			service_product = EXCLUDED.service_product,
			service_version = EXCLUDED.service_version,
			banner = EXCLUDED.banner,
			last_seen = NOW()
		RETURNING id`

	err := tx.GetContext(ctx, &p.ID, query,
		p.ID, p.DeviceID, p.PortNumber, p.Protocol, p.State,
		p.ServiceName, p.ServiceProduct, p.ServiceVersion, p.Banner)
	if err != nil {
		return sanitizeDBError("upsert port", err)
	}

	if pm.Service != nil {
		s := pm.Service
		s.PortID = p.ID
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		query := `
			INSERT INTO services (
				id, port_id, name, product, version, extra_info, cpe, confidence, detected_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

		_, err := tx.ExecContext(ctx, query,
			s.ID, s.PortID, s.Name, s.Product, s.Version, s.ExtraInfo, s.CPE, s.Confidence)
		if err != nil {
			return sanitizeDBError("insert service", err)
		}
	}

	return nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, h *DeviceHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	query := `
		INSERT INTO device_history (id, device_id, task_id, field, old_value, new_value)
		VALUES (:id, :device_id, :task_id, :field, :old_value, :new_value)`

	if _, err := tx.NamedExecContext(ctx, query, h); err != nil {
		return sanitizeDBError("insert device history", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	query := `
		INSERT INTO events (id, device_id, task_id, event_type, severity, message, metadata)
		VALUES (:id, :device_id, :task_id, :event_type, :severity, :message, :metadata)`

	if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
		return sanitizeDBError("insert event", err)
	}
	return nil
}

// MarkDevicesMissing increments the miss counter for every up device
// inside the scanned network that was absent from the sweep, and flips
// devices whose counter reaches the threshold to down. It runs in one
// transaction and returns the devices that went down, plus the
// device_down events it recorded for them.
func statusJSON(status string) JSONB {
	b, _ := json.Marshal(status)
	return JSONB(b)
}

func (db *DB) MarkDevicesMissing(
	ctx context.Context,
	network string,
	seen []IPAddr,
	threshold int,
	taskID *uuid.UUID,
) ([]*Device, error) {
	seenStrs := make([]string, 0, len(seen))
	for _, ip := range seen {
		seenStrs = append(seenStrs, ip.String())
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sanitizeDBError("begin mark missing", err)
	}
	defer func() { _ = tx.Rollback() }()

	missQuery := `
		UPDATE devices
		SET miss_count = miss_count + 1, updated_at = NOW()
		WHERE status = $1
		  AND ip_address << $2
		  AND NOT (host(ip_address) = ANY($3))`

	if _, err := tx.ExecContext(ctx, missQuery, DeviceStatusUp, network, pq.Array(seenStrs)); err != nil {
		return nil, sanitizeDBError("increment miss count", err)
	}

	var downed []*Device
	downQuery := `
		UPDATE devices
		SET status = $1, updated_at = NOW()
		WHERE status = $2
		  AND ip_address << $3
		  AND miss_count >= $4
		RETURNING *`

	if err := tx.SelectContext(ctx, &downed, downQuery,
		DeviceStatusDown, DeviceStatusUp, network, threshold); err != nil {
		return nil, sanitizeDBError("mark devices down", err)
	}

	for _, d := range downed {
		id := d.ID
		event := &Event{
			DeviceID:  &id,
			TaskID:    taskID,
			EventType: EventDeviceDown,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("device %s marked down after %d consecutive misses", d.IPAddress.String(), d.MissCount),
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return nil, err
		}

		history := &DeviceHistory{
			DeviceID: id,
			TaskID:   taskID,
			Field:    "status",
			OldValue: statusJSON(DeviceStatusUp),
			NewValue: statusJSON(DeviceStatusDown),
		}
		if err := insertHistory(ctx, tx, history); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, sanitizeDBError("commit mark missing", err)
	}

	return downed, nil
}
