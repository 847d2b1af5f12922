// Package parser turns raw nmap XML output into normalized scan
// facts. It tolerates truncated output from interrupted scans, merges
// duplicate host entries, and canonicalizes protocols, port ordering,
// and OS matches so downstream reconciliation sees one stable shape.
package parser

import (
	"bytes"
	"sort"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
)

// ServiceFacts describes what nmap detected behind a port.
type ServiceFacts struct {
	Name       string
	Product    string
	Version    string
	ExtraInfo  string
	CPE        string
	Confidence int
}

// PortFacts is one normalized port observation.
type PortFacts struct {
	Number   int
	Protocol string
	State    string
	Service  ServiceFacts
}

// OSFacts is the best OS match for a host.
type OSFacts struct {
	Name     string
	Family   string
	Version  string
	Accuracy int
}

// HostFacts is one normalized host observation.
type HostFacts struct {
	IP        string
	MAC       string
	MACVendor string
	Hostname  string
	Up        bool
	OS        *OSFacts
	Ports     []PortFacts
}

// ScanFacts is the normalized view of one scan run.
type ScanFacts struct {
	Hosts      []HostFacts
	HostsTotal int
	HostsUp    int
	Summary    string
	ElapsedSec float64
	Truncated  bool
}

// Parse converts raw nmap XML into scan facts. Truncated XML from an
// interrupted scan is retried with a synthetic closing tag so hosts
// reported before the interruption are not lost. A parse error is
// returned only when no usable host data can be recovered.
func Parse(raw []byte) (*ScanFacts, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.NewParseError("empty scan output")
	}

	truncated := false
	run := &nmap.Run{}
	if err := nmap.Parse(raw, run); err != nil {
		trimmed := bytes.TrimSpace(raw)
		repaired := make([]byte, 0, len(trimmed)+len("\n</nmaprun>"))
		repaired = append(repaired, trimmed...)
		repaired = append(repaired, []byte("\n</nmaprun>")...)
		run = &nmap.Run{}
		if err := nmap.Parse(repaired, run); err != nil {
			return nil, errors.WrapParseError("unparseable scan output", err)
		}
		truncated = true
		logging.Warn("recovered truncated scan output",
			"bytes", len(raw), "hosts", len(run.Hosts))
	}

	facts := &ScanFacts{
		Hosts:      normalizeHosts(run.Hosts),
		HostsTotal: run.Stats.Hosts.Total,
		HostsUp:    run.Stats.Hosts.Up,
		Summary:    run.Stats.Finished.Summary,
		ElapsedSec: float64(run.Stats.Finished.Elapsed),
		Truncated:  truncated,
	}

	// Truncated runs lose runstats; recount from what survived.
	if facts.HostsTotal == 0 && len(facts.Hosts) > 0 {
		facts.HostsTotal = len(facts.Hosts)
		for i := range facts.Hosts {
			if facts.Hosts[i].Up {
				facts.HostsUp++
			}
		}
	}

	return facts, nil
}

// normalizeHosts converts and deduplicates nmap host entries. When
// the same IP appears more than once, later observations are merged
// into the first.
func normalizeHosts(hosts []nmap.Host) []HostFacts {
	byIP := make(map[string]int)
	result := make([]HostFacts, 0, len(hosts))

	for i := range hosts {
		h := normalizeHost(&hosts[i])
		if h == nil {
			continue
		}

		if idx, seen := byIP[h.IP]; seen {
			mergeHost(&result[idx], h)
			continue
		}

		byIP[h.IP] = len(result)
		result = append(result, *h)
	}

	for i := range result {
		sortPorts(result[i].Ports)
	}

	return result
}

func normalizeHost(h *nmap.Host) *HostFacts {
	facts := &HostFacts{
		Up: h.Status.State == "up",
	}

	for _, addr := range h.Addresses {
		switch addr.AddrType {
		case "ipv4", "ipv6":
			if facts.IP == "" {
				facts.IP = addr.Addr
			}
		case "mac":
			facts.MAC = strings.ToLower(addr.Addr)
			facts.MACVendor = addr.Vendor
		}
	}

	// Entries without an IP address carry nothing we can track.
	if facts.IP == "" {
		return nil
	}

	if len(h.Hostnames) > 0 {
		facts.Hostname = strings.ToLower(h.Hostnames[0].Name)
	}

	facts.OS = bestOSMatch(h.OS.Matches)

	facts.Ports = make([]PortFacts, 0, len(h.Ports))
	for i := range h.Ports {
		facts.Ports = append(facts.Ports, normalizePort(&h.Ports[i]))
	}

	return facts
}

func normalizePort(p *nmap.Port) PortFacts {
	pf := PortFacts{
		Number:   int(p.ID),
		Protocol: strings.ToLower(p.Protocol),
		State:    strings.ToLower(p.State.State),
		Service: ServiceFacts{
			Name:       p.Service.Name,
			Product:    p.Service.Product,
			Version:    p.Service.Version,
			ExtraInfo:  p.Service.ExtraInfo,
			Confidence: p.Service.Confidence,
		},
	}

	if len(p.Service.CPEs) > 0 {
		pf.Service.CPE = string(p.Service.CPEs[0])
	}

	return pf
}

// bestOSMatch picks the highest-accuracy OS match. Ties keep the
// first match, which is nmap's own preference order.
func bestOSMatch(matches []nmap.OSMatch) *OSFacts {
	if len(matches) == 0 {
		return nil
	}

	best := &matches[0]
	for i := 1; i < len(matches); i++ {
		if matches[i].Accuracy > best.Accuracy {
			best = &matches[i]
		}
	}

	facts := &OSFacts{
		Name:     best.Name,
		Accuracy: best.Accuracy,
	}

	if len(best.Classes) > 0 {
		facts.Family = best.Classes[0].Family
		facts.Version = best.Classes[0].OSGeneration
	}

	return facts
}

// mergeHost folds a duplicate observation of the same IP into dst.
// Present values win over absent ones; ports are unioned with the
// later state taking precedence.
func mergeHost(dst, src *HostFacts) {
	if src.Up {
		dst.Up = true
	}
	if dst.MAC == "" {
		dst.MAC = src.MAC
		dst.MACVendor = src.MACVendor
	}
	if dst.Hostname == "" {
		dst.Hostname = src.Hostname
	}
	if dst.OS == nil || (src.OS != nil && src.OS.Accuracy > dst.OS.Accuracy) {
		dst.OS = src.OS
	}

	for _, sp := range src.Ports {
		replaced := false
		for i := range dst.Ports {
			if dst.Ports[i].Number == sp.Number && dst.Ports[i].Protocol == sp.Protocol {
				dst.Ports[i] = sp
				replaced = true
				break
			}
		}
		if !replaced {
			dst.Ports = append(dst.Ports, sp)
		}
	}
}

// sortPorts orders ports by protocol, then number.
func sortPorts(ports []PortFacts) {
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Protocol != ports[j].Protocol {
			return ports[i].Protocol < ports[j].Protocol
		}
		return ports[i].Number < ports[j].Number
	})
}
