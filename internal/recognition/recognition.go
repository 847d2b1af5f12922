// Package recognition classifies devices from scan observations. It
// applies an ordered rule list over vendor, open ports, detected
// services, and OS family; the first matching rule wins, and devices
// nothing matches stay "unknown".
package recognition

import (
	"strings"

	"github.com/pulsemon/pulse/internal/db"
)

// Device type names assigned by the rule set.
const (
	TypeRouter      = "router"
	TypePrinter     = "printer"
	TypeNAS         = "nas"
	TypeCamera      = "camera"
	TypeServer      = "server"
	TypeWorkstation = "workstation"
	TypeMobile      = "mobile"
	TypeIoT         = "iot"
	TypeUnknown     = "unknown"
)

// Input collects everything a scan learned about one device.
type Input struct {
	// Vendor is the resolved MAC vendor name, if known.
	Vendor string
	// Hostname is the reverse-DNS or nmap-reported name, if any.
	Hostname string
	// OSFamily is the fingerprinted OS family, if any.
	OSFamily string
	// OpenTCP maps open TCP port numbers to detected service names.
	OpenTCP map[int]string
}

// Classification is the rule outcome for a device.
type Classification struct {
	DeviceType string
	Confidence string
	// Rule names the rule that matched, for audit logging.
	Rule string
}

// rule is one classification predicate. Rules are evaluated in order;
// the first match wins, so more specific rules come first.
type rule struct {
	name       string
	deviceType string
	confidence string
	match      func(in *Input) bool
}

var rules = []rule{
	{
		name:       "printer-port",
		deviceType: TypePrinter,
		confidence: db.ConfidenceHigh,
		match: func(in *Input) bool {
			return in.hasPort(9100) || in.hasService("ipp", "jetdirect", "printer")
		},
	},
	{
		name:       "printer-vendor",
		deviceType: TypePrinter,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			return in.vendorContains("hewlett packard", "hp inc", "brother", "canon", "epson", "lexmark", "kyocera")
		},
	},
	{
		name:       "camera-vendor",
		deviceType: TypeCamera,
		confidence: db.ConfidenceHigh,
		match: func(in *Input) bool {
			return in.vendorContains("hikvision", "dahua", "axis communications", "reolink")
		},
	},
	{
		name:       "camera-rtsp",
		deviceType: TypeCamera,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			return in.hasService("rtsp") || in.hasPort(554)
		},
	},
	{
		name:       "nas-vendor",
		deviceType: TypeNAS,
		confidence: db.ConfidenceHigh,
		match: func(in *Input) bool {
			return in.vendorContains("synology", "qnap", "western digital", "asustor")
		},
	},
	{
		name:       "nas-services",
		deviceType: TypeNAS,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			return in.hasPort(445) && (in.hasPort(5000) || in.hasPort(2049) || in.hasService("nfs", "afp"))
		},
	},
	{
		name:       "router-vendor",
		deviceType: TypeRouter,
		confidence: db.ConfidenceHigh,
		match: func(in *Input) bool {
			return in.vendorContains("cisco", "mikrotik", "ubiquiti", "juniper",
				"tp-link", "netgear", "d-link", "zyxel", "fortinet", "avm")
		},
	},
	{
		name:       "router-dns-gateway",
		deviceType: TypeRouter,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			if !in.hasService("domain") && !in.hasPort(53) {
				return false
			}
			return in.hostnameContains("gw", "gateway", "router") || in.hasPort(80) || in.hasPort(443)
		},
	},
	{
		name:       "mobile-vendor",
		deviceType: TypeMobile,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			return len(in.OpenTCP) == 0 &&
				in.vendorContains("apple", "samsung", "xiaomi", "huawei", "oneplus", "google")
		},
	},
	{
		name:       "iot-vendor",
		deviceType: TypeIoT,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			return in.vendorContains("espressif", "raspberry pi", "tuya", "sonoff", "shelly", "nest labs")
		},
	},
	{
		name:       "windows-workstation",
		deviceType: TypeWorkstation,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			return strings.EqualFold(in.OSFamily, "windows") &&
				in.hasPort(135) && !in.hasPort(3389)
		},
	},
	{
		name:       "server-services",
		deviceType: TypeServer,
		confidence: db.ConfidenceMedium,
		match: func(in *Input) bool {
			serverPorts := 0
			for _, p := range []int{22, 80, 443, 3306, 5432, 6379, 8080, 3389} {
				if in.hasPort(p) {
					serverPorts++
				}
			}
			return serverPorts >= 2
		},
	},
	{
		name:       "ssh-only-server",
		deviceType: TypeServer,
		confidence: db.ConfidenceLow,
		match: func(in *Input) bool {
			return len(in.OpenTCP) == 1 && in.hasPort(22)
		},
	},
}

// Classify runs the rule list over the input. It never fails: devices
// no rule matches are classified unknown with low confidence.
func Classify(in *Input) Classification {
	if in == nil {
		return Classification{DeviceType: TypeUnknown, Confidence: db.ConfidenceLow}
	}

	for _, r := range rules {
		if r.match(in) {
			return Classification{
				DeviceType: r.deviceType,
				Confidence: r.confidence,
				Rule:       r.name,
			}
		}
	}

	return Classification{DeviceType: TypeUnknown, Confidence: db.ConfidenceLow}
}

func (in *Input) hasPort(port int) bool {
	_, ok := in.OpenTCP[port]
	return ok
}

func (in *Input) hasService(names ...string) bool {
	for _, svc := range in.OpenTCP {
		for _, name := range names {
			if strings.Contains(strings.ToLower(svc), name) {
				return true
			}
		}
	}
	return false
}

func (in *Input) vendorContains(names ...string) bool {
	vendor := strings.ToLower(in.Vendor)
	if vendor == "" {
		return false
	}
	for _, name := range names {
		if strings.Contains(vendor, name) {
			return true
		}
	}
	return false
}

func (in *Input) hostnameContains(parts ...string) bool {
	hostname := strings.ToLower(in.Hostname)
	if hostname == "" {
		return false
	}
	for _, part := range parts {
		if strings.Contains(hostname, part) {
			return true
		}
	}
	return false
}
