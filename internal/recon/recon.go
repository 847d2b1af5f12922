// Package recon reconciles normalized scan facts into the persistent
// device model. Each scanned host is merged in its own transaction:
// field changes produce history rows and events, repeated absence
// debounces into device_down, and open ports transition to closed but
// are never deleted.
package recon

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
	"github.com/pulsemon/pulse/internal/metrics"
	"github.com/pulsemon/pulse/internal/parser"
	"github.com/pulsemon/pulse/internal/recognition"
)

// Merge outcomes reported to metrics.
const (
	outcomeCreated   = "created"
	outcomeUpdated   = "updated"
	outcomeUnchanged = "unchanged"
	outcomeFailed    = "failed"
)

// Store is the persistence surface recon needs. *db.DB satisfies it.
type Store interface {
	DeviceByIP(ctx context.Context, ip db.IPAddr) (*db.Device, error)
	DevicePorts(ctx context.Context, deviceID uuid.UUID) ([]*db.Port, error)
	ApplyHostMerge(ctx context.Context, m *db.HostMerge) error
	MarkDevicesMissing(ctx context.Context, network string, seen []db.IPAddr,
		threshold int, taskID *uuid.UUID) ([]*db.Device, error)
}

// Config holds reconciliation settings.
type Config struct {
	// DebounceMisses is how many consecutive sweeps must miss a
	// device before it is marked down.
	DebounceMisses int
	// ResolveHostnames enables reverse DNS for hosts the scan did
	// not name.
	ResolveHostnames bool
	// DNSServer is the resolver address (host:port) for reverse
	// lookups. Empty uses the system default.
	DNSServer string
}

// Summary reports what one reconciliation run changed.
type Summary struct {
	Created   int
	Updated   int
	Unchanged int
	WentDown  int
	Events    int
}

// Engine merges scan facts into the device inventory.
type Engine struct {
	store    Store
	vendors  *recognition.VendorResolver
	metrics  *metrics.Metrics
	resolver hostnameResolver
	cfg      Config
}

// New creates a reconciliation engine.
func New(store Store, vendors *recognition.VendorResolver, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.DebounceMisses < 1 {
		cfg.DebounceMisses = 2
	}

	e := &Engine{
		store:   store,
		vendors: vendors,
		metrics: m,
		cfg:     cfg,
	}
	if cfg.ResolveHostnames {
		e.resolver = newDNSResolver(cfg.DNSServer)
	}
	return e
}

// profileScansPorts reports whether a profile produces port facts.
// Discovery is a ping sweep; its results say nothing about ports, so
// port state must not be touched.
func profileScansPorts(profile string) bool {
	return profile == db.ProfileQuick || profile == db.ProfileDeep
}

// Reconcile merges one scan's facts into the inventory. Hosts are
// merged independently; one failed host does not abort the rest.
// When the target is a network, devices inside it that the sweep
// missed accumulate misses and eventually go down.
func (e *Engine) Reconcile(
	ctx context.Context,
	taskID uuid.UUID,
	profile, target string,
	facts *parser.ScanFacts,
) (*Summary, error) {
	summary := &Summary{}
	seen := make([]db.IPAddr, 0, len(facts.Hosts))

	var firstErr error
	for i := range facts.Hosts {
		host := &facts.Hosts[i]
		if !host.Up {
			continue
		}

		ip := db.IPAddr{IP: net.ParseIP(host.IP)}
		if ip.IP == nil {
			logging.ErrorRecon("skipping host with unparseable address", host.IP, nil)
			continue
		}
		seen = append(seen, ip)

		outcome, events, err := e.reconcileHost(ctx, taskID, profile, ip, host)
		if err != nil {
			e.metrics.IncrementMergesTotal(outcomeFailed)
			logging.ErrorRecon("host merge failed", host.IP, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		e.metrics.IncrementMergesTotal(outcome)
		summary.Events += events
		switch outcome {
		case outcomeCreated:
			summary.Created++
		case outcomeUpdated:
			summary.Updated++
		default:
			summary.Unchanged++
		}
	}

	// Absence only means something when a whole network was swept.
	if _, _, err := net.ParseCIDR(target); err == nil {
		downed, err := e.store.MarkDevicesMissing(ctx, target, seen, e.cfg.DebounceMisses, &taskID)
		if err != nil {
			logging.ErrorRecon("marking missing devices failed", target, err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			summary.WentDown = len(downed)
			summary.Events += len(downed)
			for range downed {
				e.metrics.IncrementEventsTotal(db.EventDeviceDown)
			}
		}
	}

	logging.InfoRecon("reconciliation finished", target,
		"profile", profile,
		"created", summary.Created,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"went_down", summary.WentDown,
		"events", summary.Events)

	return summary, firstErr
}

// reconcileHost merges one host in a single transaction and returns
// the outcome plus the number of events emitted.
func (e *Engine) reconcileHost(
	ctx context.Context,
	taskID uuid.UUID,
	profile string,
	ip db.IPAddr,
	host *parser.HostFacts,
) (string, int, error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordMergeDuration(time.Since(start))
	}()

	existing, err := e.store.DeviceByIP(ctx, ip)
	if err != nil && !errors.IsNotFound(err) {
		return outcomeFailed, 0, errors.ErrPersistence("load device", err)
	}

	if e.resolver != nil && host.Hostname == "" {
		host.Hostname = e.resolver.Reverse(ctx, host.IP)
	}

	var merge *db.HostMerge
	var outcome string
	if existing == nil {
		merge = e.buildNewDevice(ctx, taskID, ip, host)
		outcome = outcomeCreated
	} else {
		var currentPorts []*db.Port
		if profileScansPorts(profile) {
			currentPorts, err = e.store.DevicePorts(ctx, existing.ID)
			if err != nil {
				return outcomeFailed, 0, errors.ErrPersistence("load ports", err)
			}
		}
		merge = e.buildDeviceUpdate(ctx, taskID, profile, existing, currentPorts, host)
		outcome = outcomeUpdated
		if len(merge.History) == 0 && len(merge.Events) == 0 && !portStateChanged(merge, currentPorts) {
			outcome = outcomeUnchanged
		}
	}

	if err := e.store.ApplyHostMerge(ctx, merge); err != nil {
		return outcomeFailed, 0, errors.ErrPersistence("apply merge", err)
	}

	for _, ev := range merge.Events {
		e.metrics.IncrementEventsTotal(ev.EventType)
	}

	return outcome, len(merge.Events), nil
}

// buildNewDevice assembles the merge for a first-time device.
func (e *Engine) buildNewDevice(
	ctx context.Context,
	taskID uuid.UUID,
	ip db.IPAddr,
	host *parser.HostFacts,
) *db.HostMerge {
	device := &db.Device{
		IPAddress: ip,
		Status:    db.DeviceStatusUp,
	}

	applyHostFacts(device, host)
	vendor := e.resolveVendor(ctx, device, host)
	classify(device, host, vendor)

	merge := &db.HostMerge{
		Device: device,
		IsNew:  true,
		Ports:  buildPortMerges(host),
	}

	tid := taskID
	merge.Events = append(merge.Events, &db.Event{
		TaskID:    &tid,
		EventType: db.EventNewDevice,
		Severity:  db.SeverityInfo,
		Message:   "new device discovered at " + ip.String(),
		Metadata:  eventMetadata(map[string]string{"device_type": device.DeviceType}),
	})

	return merge
}

// buildDeviceUpdate assembles the merge for a known device, diffing
// every tracked field and the port set.
func (e *Engine) buildDeviceUpdate(
	ctx context.Context,
	taskID uuid.UUID,
	profile string,
	existing *db.Device,
	currentPorts []*db.Port,
	host *parser.HostFacts,
) *db.HostMerge {
	updated := *existing
	applyHostFacts(&updated, host)
	vendor := e.resolveVendor(ctx, &updated, host)
	classify(&updated, host, vendor)
	updated.Status = db.DeviceStatusUp

	tid := taskID
	merge := &db.HostMerge{Device: &updated}

	if existing.Status == db.DeviceStatusDown {
		merge.Events = append(merge.Events, &db.Event{
			TaskID:    &tid,
			EventType: db.EventDeviceReappeared,
			Severity:  db.SeverityInfo,
			Message:   "device " + updated.IPAddress.String() + " is back up",
		})
		merge.History = append(merge.History, historyRow(&tid, "status",
			existing.Status, db.DeviceStatusUp))
	}

	e.diffIdentity(&tid, existing, &updated, merge)

	if profileScansPorts(profile) {
		diffPorts(&tid, existing, currentPorts, host, merge)
	}

	return merge
}

// diffIdentity compares identity fields and records history and
// events for any change.
func (e *Engine) diffIdentity(taskID *uuid.UUID, old, cur *db.Device, merge *db.HostMerge) {
	if macChanged(old.MACAddress, cur.MACAddress) {
		// A MAC change on a stable IP can mean DHCP churn or
		// address spoofing; operators want to see it.
		merge.Events = append(merge.Events, &db.Event{
			TaskID:    taskID,
			EventType: db.EventMACChanged,
			Severity:  db.SeverityWarning,
			Message: "MAC address changed on " + cur.IPAddress.String() +
				": " + macString(old.MACAddress) + " -> " + macString(cur.MACAddress),
		})
		merge.History = append(merge.History, historyRow(taskID, "mac_address",
			macString(old.MACAddress), macString(cur.MACAddress)))
	}

	if strChanged(old.Hostname, cur.Hostname) {
		merge.History = append(merge.History, historyRow(taskID, "hostname",
			strVal(old.Hostname), strVal(cur.Hostname)))
	}

	if strChanged(old.Vendor, cur.Vendor) {
		merge.Events = append(merge.Events, &db.Event{
			TaskID:    taskID,
			EventType: db.EventVendorChanged,
			Severity:  db.SeverityInfo,
			Message:   "vendor changed on " + cur.IPAddress.String() + " to " + strVal(cur.Vendor),
		})
		merge.History = append(merge.History, historyRow(taskID, "vendor",
			strVal(old.Vendor), strVal(cur.Vendor)))
	}

	if strChanged(old.OSName, cur.OSName) {
		merge.Events = append(merge.Events, &db.Event{
			TaskID:    taskID,
			EventType: db.EventOSChanged,
			Severity:  db.SeverityInfo,
			Message:   "operating system changed on " + cur.IPAddress.String() + " to " + strVal(cur.OSName),
		})
		merge.History = append(merge.History, historyRow(taskID, "os_name",
			strVal(old.OSName), strVal(cur.OSName)))
	}

	if old.DeviceType != cur.DeviceType {
		merge.History = append(merge.History, historyRow(taskID, "device_type",
			old.DeviceType, cur.DeviceType))
	}
}

// diffPorts computes port transitions for a port-bearing scan: new
// open ports, state changes, and open ports the scan no longer sees.
// Ports are never deleted; absence flips them to closed.
func diffPorts(
	taskID *uuid.UUID,
	device *db.Device,
	currentPorts []*db.Port,
	host *parser.HostFacts,
	merge *db.HostMerge,
) {
	known := make(map[string]*db.Port, len(currentPorts))
	for _, p := range currentPorts {
		known[portKey(p.Protocol, p.PortNumber)] = p
	}

	seen := make(map[string]bool, len(host.Ports))
	for i := range host.Ports {
		pf := &host.Ports[i]
		key := portKey(pf.Protocol, pf.Number)
		seen[key] = true

		prev := known[key]
		pm := newPortMerge(pf)
		// A service row is a detection record; repeating an
		// identical detection every scan only duplicates it.
		if prev != nil && !serviceChanged(prev, pm.Port) {
			pm.Service = nil
		}
		merge.Ports = append(merge.Ports, pm)

		switch {
		case prev == nil && pf.State == db.PortStateOpen:
			merge.Events = append(merge.Events, openPortEvent(taskID, device, pf))
		case prev != nil && prev.State != pf.State && pf.State == db.PortStateOpen:
			merge.Events = append(merge.Events, openPortEvent(taskID, device, pf))
		case prev != nil && prev.State == db.PortStateOpen && pf.State == db.PortStateClosed:
			merge.Events = append(merge.Events, closedPortEvent(taskID, device, pf.Protocol, pf.Number))
		}
	}

	// Open ports the scan did not report are gone.
	for _, p := range currentPorts {
		key := portKey(p.Protocol, p.PortNumber)
		if seen[key] || p.State != db.PortStateOpen {
			continue
		}
		closed := *p
		closed.State = db.PortStateClosed
		merge.Ports = append(merge.Ports, db.PortMerge{Port: &closed})
		merge.Events = append(merge.Events, closedPortEvent(taskID, device, p.Protocol, p.PortNumber))
	}
}

func openPortEvent(taskID *uuid.UUID, device *db.Device, pf *parser.PortFacts) *db.Event {
	meta := map[string]string{"protocol": pf.Protocol, "service": pf.Service.Name}
	return &db.Event{
		TaskID:    taskID,
		EventType: db.EventNewOpenPort,
		Severity:  db.SeverityInfo,
		Message: "open port " + pf.Protocol + "/" + itoa(pf.Number) +
			" on " + device.IPAddress.String(),
		Metadata: eventMetadata(meta),
	}
}

func closedPortEvent(taskID *uuid.UUID, device *db.Device, protocol string, number int) *db.Event {
	return &db.Event{
		TaskID:    taskID,
		EventType: db.EventPortClosed,
		Severity:  db.SeverityInfo,
		Message: "port " + protocol + "/" + itoa(number) +
			" closed on " + device.IPAddress.String(),
	}
}

// applyHostFacts copies scan observations onto the device, leaving
// fields the scan did not observe untouched.
func applyHostFacts(device *db.Device, host *parser.HostFacts) {
	if host.MAC != "" {
		var mac db.MACAddr
		if err := mac.Scan(host.MAC); err == nil {
			device.MACAddress = &mac
		}
	}
	if host.Hostname != "" {
		hostname := strings.ToLower(host.Hostname)
		device.Hostname = &hostname
	}
	if host.OS != nil {
		device.OSName = strPtr(host.OS.Name)
		device.OSFamily = strPtr(host.OS.Family)
		device.OSVersion = strPtr(host.OS.Version)
	}
}

// resolveVendor fills in the device vendor from the OUI cache or the
// scan-reported name and returns it.
func (e *Engine) resolveVendor(ctx context.Context, device *db.Device, host *parser.HostFacts) string {
	vendor := e.vendors.Resolve(ctx, device.MACAddress, host.MACVendor)
	if vendor != "" {
		device.Vendor = &vendor
	}
	return vendor
}

// classify recomputes the device type from current observations.
func classify(device *db.Device, host *parser.HostFacts, vendor string) {
	openTCP := make(map[int]string)
	for i := range host.Ports {
		p := &host.Ports[i]
		if p.Protocol == db.ProtocolTCP && p.State == db.PortStateOpen {
			openTCP[p.Number] = p.Service.Name
		}
	}

	in := &recognition.Input{
		Vendor:   vendor,
		Hostname: strVal(device.Hostname),
		OpenTCP:  openTCP,
	}
	if device.OSFamily != nil {
		in.OSFamily = *device.OSFamily
	}

	c := recognition.Classify(in)

	// A port-less rescan must not demote a classification made
	// from richer facts.
	if c.DeviceType == recognition.TypeUnknown && device.DeviceType != "" &&
		device.DeviceType != recognition.TypeUnknown {
		return
	}

	device.DeviceType = c.DeviceType
	device.Confidence = strPtr(c.Confidence)
}

func buildPortMerges(host *parser.HostFacts) []db.PortMerge {
	merges := make([]db.PortMerge, 0, len(host.Ports))
	for i := range host.Ports {
		merges = append(merges, newPortMerge(&host.Ports[i]))
	}
	return merges
}

func newPortMerge(pf *parser.PortFacts) db.PortMerge {
	port := &db.Port{
		PortNumber: pf.Number,
		Protocol:   pf.Protocol,
		State:      pf.State,
	}
	if pf.Service.Name != "" {
		port.ServiceName = strPtr(pf.Service.Name)
	}
	if pf.Service.Product != "" {
		port.ServiceProduct = strPtr(pf.Service.Product)
	}
	if pf.Service.Version != "" {
		port.ServiceVersion = strPtr(pf.Service.Version)
	}

	pm := db.PortMerge{Port: port}

	if pf.State == db.PortStateOpen && pf.Service.Name != "" {
		svc := &db.Service{
			Name: strPtr(pf.Service.Name),
		}
		if pf.Service.Product != "" {
			svc.Product = strPtr(pf.Service.Product)
		}
		if pf.Service.Version != "" {
			svc.Version = strPtr(pf.Service.Version)
		}
		if pf.Service.ExtraInfo != "" {
			svc.ExtraInfo = strPtr(pf.Service.ExtraInfo)
		}
		if pf.Service.CPE != "" {
			svc.CPE = strPtr(pf.Service.CPE)
		}
		if pf.Service.Confidence > 0 {
			conf := pf.Service.Confidence
			svc.Confidence = &conf
		}
		pm.Service = svc
	}

	return pm
}

// serviceChanged reports whether the scan's service detection differs
// from what is already recorded on the port.
func serviceChanged(prev, cur *db.Port) bool {
	return strChanged(prev.ServiceName, cur.ServiceName) ||
		strChanged(prev.ServiceProduct, cur.ServiceProduct) ||
		strChanged(prev.ServiceVersion, cur.ServiceVersion)
}

// portStateChanged reports whether any merged port differs from the
// stored state, so unchanged rescans count as unchanged.
func portStateChanged(merge *db.HostMerge, currentPorts []*db.Port) bool {
	if len(merge.Ports) == 0 {
		return false
	}

	known := make(map[string]*db.Port, len(currentPorts))
	for _, p := range currentPorts {
		known[portKey(p.Protocol, p.PortNumber)] = p
	}

	for i := range merge.Ports {
		p := merge.Ports[i].Port
		prev, ok := known[portKey(p.Protocol, p.PortNumber)]
		if !ok || prev.State != p.State {
			return true
		}
	}
	return false
}

func historyRow(taskID *uuid.UUID, field string, oldValue, newValue string) *db.DeviceHistory {
	return &db.DeviceHistory{
		TaskID:   taskID,
		Field:    field,
		OldValue: jsonValue(oldValue),
		NewValue: jsonValue(newValue),
	}
}

func jsonValue(s string) db.JSONB {
	b, _ := json.Marshal(s)
	return db.JSONB(b)
}

func eventMetadata(m map[string]string) db.JSONB {
	b, _ := json.Marshal(m)
	return db.JSONB(b)
}

func portKey(protocol string, number int) string {
	return protocol + "/" + itoa(number)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func macChanged(old, cur *db.MACAddr) bool {
	// Scans that don't see the MAC (non-local segments) leave it as is.
	if cur == nil {
		return false
	}
	if old == nil {
		return true
	}
	return old.String() != cur.String()
}

func macString(mac *db.MACAddr) string {
	if mac == nil {
		return ""
	}
	return mac.String()
}

func strChanged(old, cur *string) bool {
	if cur == nil {
		return false
	}
	if old == nil {
		return *cur != ""
	}
	return *old != *cur
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	return &s
}
