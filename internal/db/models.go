package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NetworkAddr wraps net.IPNet to implement PostgreSQL CIDR type.
type NetworkAddr struct {
	net.IPNet
}

// Scan implements sql.Scanner for PostgreSQL CIDR type.
func (n *NetworkAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		_, ipnet, err := net.ParseCIDR(v)
		if err != nil {
			return fmt.Errorf("failed to parse CIDR: %w", err)
		}
		n.IPNet = *ipnet
		return nil
	case []byte:
		_, ipnet, err := net.ParseCIDR(string(v))
		if err != nil {
			return fmt.Errorf("failed to parse CIDR: %w", err)
		}
		n.IPNet = *ipnet
		return nil
	default:
		return fmt.Errorf("cannot scan %T into NetworkAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL CIDR type.
func (n NetworkAddr) Value() (driver.Value, error) {
	if len(n.IP) == 0 {
		return nil, nil
	}
	return n.IPNet.String(), nil
}

// String returns the CIDR notation string.
func (n NetworkAddr) String() string {
	return n.IPNet.String()
}

// IPAddr wraps net.IP to implement PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		parsed := net.ParseIP(v)
		if parsed == nil {
			return fmt.Errorf("failed to parse IP address: %s", v)
		}
		ip.IP = parsed
		return nil
	case []byte:
		parsed := net.ParseIP(string(v))
		if parsed == nil {
			return fmt.Errorf("failed to parse IP address: %s", string(v))
		}
		ip.IP = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.IP.String(), nil
}

// String returns the IP address string.
func (ip IPAddr) String() string {
	if ip.IP == nil {
		return ""
	}
	return ip.IP.String()
}

// MACAddr wraps net.HardwareAddr to implement PostgreSQL MACADDR type.
type MACAddr struct {
	net.HardwareAddr
}

// Scan implements sql.Scanner for PostgreSQL MACADDR type.
func (mac *MACAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		hw, err := net.ParseMAC(v)
		if err != nil {
			return fmt.Errorf("failed to parse MAC address: %w", err)
		}
		mac.HardwareAddr = hw
		return nil
	case []byte:
		hw, err := net.ParseMAC(string(v))
		if err != nil {
			return fmt.Errorf("failed to parse MAC address: %w", err)
		}
		mac.HardwareAddr = hw
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MACAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL MACADDR type.
func (mac MACAddr) Value() (driver.Value, error) {
	if mac.HardwareAddr == nil {
		return nil, nil
	}
	return mac.HardwareAddr.String(), nil
}

// String returns the MAC address string.
func (mac MACAddr) String() string {
	if mac.HardwareAddr == nil {
		return ""
	}
	return mac.HardwareAddr.String()
}

// OUI returns the first three octets of the MAC as uppercase hex
// without separators, the key format used by the oui_cache table.
func (mac MACAddr) OUI() string {
	if len(mac.HardwareAddr) < 3 {
		return ""
	}
	return strings.ToUpper(fmt.Sprintf("%02x%02x%02x",
		mac.HardwareAddr[0], mac.HardwareAddr[1], mac.HardwareAddr[2]))
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSONB(v)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = JSONB(data)
	return nil
}

// Device represents a tracked network device, keyed by IP address.
type Device struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	IPAddress  IPAddr     `db:"ip_address" json:"ip_address"`
	MACAddress *MACAddr   `db:"mac_address" json:"mac_address,omitempty"`
	Hostname   *string    `db:"hostname" json:"hostname,omitempty"`
	Vendor     *string    `db:"vendor" json:"vendor,omitempty"`
	DeviceType string     `db:"device_type" json:"device_type"`
	Confidence *string    `db:"confidence" json:"confidence,omitempty"`
	OSName     *string    `db:"os_name" json:"os_name,omitempty"`
	OSFamily   *string    `db:"os_family" json:"os_family,omitempty"`
	OSVersion  *string    `db:"os_version" json:"os_version,omitempty"`
	Status     string     `db:"status" json:"status"`
	MissCount  int        `db:"miss_count" json:"miss_count"`
	FirstSeen  time.Time  `db:"first_seen" json:"first_seen"`
	LastSeen   time.Time  `db:"last_seen" json:"last_seen"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// ScanOptions carries optional per-task overrides, stored as JSONB.
// A nil value means the profile defaults apply.
type ScanOptions struct {
	// TimeoutSeconds overrides the profile timeout for this task,
	// still capped by the configured maximum.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Value implements driver.Valuer.
func (o *ScanOptions) Value() (driver.Value, error) {
	if o == nil {
		return nil, nil
	}
	return json.Marshal(o)
}

// Scan implements sql.Scanner.
func (o *ScanOptions) Scan(value interface{}) error {
	if value == nil {
		*o = ScanOptions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	default:
		return fmt.Errorf("cannot scan %T into ScanOptions", value)
	}
}

// Timeout returns the per-task timeout override, zero when unset.
func (o *ScanOptions) Timeout() time.Duration {
	if o == nil || o.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ScanTask represents one unit of scanning work through its lifecycle.
type ScanTask struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	Profile     string       `db:"profile" json:"profile"`
	Target      string       `db:"target" json:"target"`
	Status      string       `db:"status" json:"status"`
	Priority    int          `db:"priority" json:"priority"`
	Options     *ScanOptions `db:"scan_options" json:"scan_options,omitempty"`
	Error       *string      `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	StartedAt   *time.Time   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// ScanResult is the immutable record of one scan tool invocation.
type ScanResult struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TaskID      uuid.UUID  `db:"task_id" json:"task_id"`
	Command     string     `db:"command" json:"command"`
	ToolVersion *string    `db:"tool_version" json:"tool_version,omitempty"`
	RawOutput   []byte     `db:"raw_output" json:"-"`
	HostsFound  int        `db:"hosts_found" json:"hosts_found"`
	HostsUp     int        `db:"hosts_up" json:"hosts_up"`
	DurationMS  int64      `db:"duration_ms" json:"duration_ms"`
	Summary     *string    `db:"summary" json:"summary,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Port represents observed port state on a device, keyed by
// (device, port number, protocol).
type Port struct {
	ID             uuid.UUID `db:"id" json:"id"`
	DeviceID       uuid.UUID `db:"device_id" json:"device_id"`
	PortNumber     int       `db:"port_number" json:"port_number"`
	Protocol       string    `db:"protocol" json:"protocol"`
	State          string    `db:"state" json:"state"`
	ServiceName    *string   `db:"service_name" json:"service_name,omitempty"`
	ServiceProduct *string   `db:"service_product" json:"service_product,omitempty"`
	ServiceVersion *string   `db:"service_version" json:"service_version,omitempty"`
	Banner         *string   `db:"banner" json:"banner,omitempty"`
	FirstSeen      time.Time `db:"first_seen" json:"first_seen"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// Service represents detailed service detection for a port.
type Service struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PortID     uuid.UUID `db:"port_id" json:"port_id"`
	Name       *string   `db:"name" json:"name,omitempty"`
	Product    *string   `db:"product" json:"product,omitempty"`
	Version    *string   `db:"version" json:"version,omitempty"`
	ExtraInfo  *string   `db:"extra_info" json:"extra_info,omitempty"`
	CPE        *string   `db:"cpe" json:"cpe,omitempty"`
	Confidence *int      `db:"confidence" json:"confidence,omitempty"`
	DetectedAt time.Time `db:"detected_at" json:"detected_at"`
}

// DeviceHistory is an append-only record of one field-level change.
type DeviceHistory struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DeviceID  uuid.UUID  `db:"device_id" json:"device_id"`
	TaskID    *uuid.UUID `db:"task_id" json:"task_id,omitempty"`
	Field     string     `db:"field" json:"field"`
	OldValue  JSONB      `db:"old_value" json:"old_value,omitempty"`
	NewValue  JSONB      `db:"new_value" json:"new_value,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Event is a notable occurrence surfaced to operators.
type Event struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DeviceID  *uuid.UUID `db:"device_id" json:"device_id,omitempty"`
	TaskID    *uuid.UUID `db:"task_id" json:"task_id,omitempty"`
	EventType string     `db:"event_type" json:"event_type"`
	Severity  string     `db:"severity" json:"severity"`
	Message   string     `db:"message" json:"message"`
	Metadata  JSONB      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// OUIVendor maps a MAC address prefix to its registered vendor.
type OUIVendor struct {
	OUI       string    `db:"oui" json:"oui"`
	Vendor    string    `db:"vendor" json:"vendor"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TaskStatus constants. Transitions are monotonic: pending may become
// running or cancelled, running may become completed, failed, or
// cancelled, and the three terminal states never change.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// TerminalTaskStatus reports whether a status permits no further transitions.
func TerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ValidTaskTransition reports whether a status change is allowed.
func ValidTaskTransition(from, to string) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusCancelled
	case TaskStatusRunning:
		return TerminalTaskStatus(to)
	}
	return false
}

// ScanProfile constants.
const (
	ProfileDiscovery = "discovery"
	ProfileQuick     = "quick"
	ProfileDeep      = "deep"
)

// DeviceStatus constants.
const (
	DeviceStatusUp      = "up"
	DeviceStatusDown    = "down"
	DeviceStatusUnknown = "unknown"
)

// PortState constants.
const (
	PortStateOpen     = "open"
	PortStateClosed   = "closed"
	PortStateFiltered = "filtered"
)

// Protocol constants.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// EventType constants.
const (
	EventNewDevice        = "new_device"
	EventDeviceReappeared = "device_reappeared"
	EventDeviceDown       = "device_down"
	EventMACChanged       = "mac_changed"
	EventOSChanged        = "os_changed"
	EventVendorChanged    = "vendor_changed"
	EventNewOpenPort      = "new_open_port"
	EventPortClosed       = "port_closed"
	EventScanFailed       = "scan_failed"
)

// EventSeverity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Classification confidence constants.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)
