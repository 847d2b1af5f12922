package recognition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		input      *Input
		wantType   string
		wantConf   string
	}{
		{
			name:     "nil_input",
			input:    nil,
			wantType: TypeUnknown,
			wantConf: db.ConfidenceLow,
		},
		{
			name:     "no_signals",
			input:    &Input{},
			wantType: TypeUnknown,
			wantConf: db.ConfidenceLow,
		},
		{
			name:     "jetdirect_printer",
			input:    &Input{OpenTCP: map[int]string{9100: "jetdirect"}},
			wantType: TypePrinter,
			wantConf: db.ConfidenceHigh,
		},
		{
			name:     "hp_vendor_printer",
			input:    &Input{Vendor: "Hewlett Packard"},
			wantType: TypePrinter,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "hikvision_camera",
			input:    &Input{Vendor: "Hikvision Digital Technology"},
			wantType: TypeCamera,
			wantConf: db.ConfidenceHigh,
		},
		{
			name:     "rtsp_camera",
			input:    &Input{OpenTCP: map[int]string{554: "rtsp"}},
			wantType: TypeCamera,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "synology_nas",
			input:    &Input{Vendor: "Synology Incorporated"},
			wantType: TypeNAS,
			wantConf: db.ConfidenceHigh,
		},
		{
			name:     "smb_nfs_nas",
			input:    &Input{OpenTCP: map[int]string{445: "microsoft-ds", 2049: "nfs"}},
			wantType: TypeNAS,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "mikrotik_router",
			input:    &Input{Vendor: "MikroTik"},
			wantType: TypeRouter,
			wantConf: db.ConfidenceHigh,
		},
		{
			name: "dns_gateway_router",
			input: &Input{
				Hostname: "gateway.lan",
				OpenTCP:  map[int]string{53: "domain", 80: "http"},
			},
			wantType: TypeRouter,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "apple_no_ports_mobile",
			input:    &Input{Vendor: "Apple, Inc."},
			wantType: TypeMobile,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "espressif_iot",
			input:    &Input{Vendor: "Espressif Inc.", OpenTCP: map[int]string{80: "http"}},
			wantType: TypeIoT,
			wantConf: db.ConfidenceMedium,
		},
		{
			name: "windows_workstation",
			input: &Input{
				OSFamily: "Windows",
				OpenTCP:  map[int]string{135: "msrpc", 139: "netbios-ssn", 445: "microsoft-ds"},
			},
			wantType: TypeWorkstation,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "linux_server",
			input:    &Input{OSFamily: "Linux", OpenTCP: map[int]string{22: "ssh", 443: "https"}},
			wantType: TypeServer,
			wantConf: db.ConfidenceMedium,
		},
		{
			name:     "ssh_only_server",
			input:    &Input{OpenTCP: map[int]string{22: "ssh"}},
			wantType: TypeServer,
			wantConf: db.ConfidenceLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.input)
			assert.Equal(t, tt.wantType, got.DeviceType)
			assert.Equal(t, tt.wantConf, got.Confidence)
		})
	}
}

func TestClassifyRuleOrder(t *testing.T) {
	// A Synology box exposing SMB must classify by the more specific
	// vendor rule, not the generic server rule.
	in := &Input{
		Vendor:  "Synology Incorporated",
		OpenTCP: map[int]string{22: "ssh", 443: "https", 445: "microsoft-ds", 5000: "upnp"},
	}

	got := Classify(in)
	assert.Equal(t, TypeNAS, got.DeviceType)
	assert.Equal(t, "nas-vendor", got.Rule)
}

// fakeOUILookup is a test double for the OUI cache.
type fakeOUILookup struct {
	entries map[string]string
	fail    error
}

func (f *fakeOUILookup) Lookup(_ context.Context, oui string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	vendor, ok := f.entries[oui]
	if !ok {
		return "", errors.NewDatabaseError(errors.CodeNotFound, "resource not found")
	}
	return vendor, nil
}

func TestVendorResolver(t *testing.T) {
	macOf := func(s string) *db.MACAddr {
		var mac db.MACAddr
		require.NoError(t, mac.Scan(s))
		return &mac
	}

	t.Run("cache_hit_wins", func(t *testing.T) {
		r := NewVendorResolver(&fakeOUILookup{
			entries: map[string]string{"B827EB": "Raspberry Pi Foundation"},
		})

		vendor := r.Resolve(context.Background(), macOf("b8:27:eb:01:02:03"), "Unknown Vendor")
		assert.Equal(t, "Raspberry Pi Foundation", vendor)
	})

	t.Run("cache_miss_falls_back", func(t *testing.T) {
		r := NewVendorResolver(&fakeOUILookup{entries: map[string]string{}})

		vendor := r.Resolve(context.Background(), macOf("aa:bb:cc:dd:ee:ff"), "Scan Reported Vendor")
		assert.Equal(t, "Scan Reported Vendor", vendor)
	})

	t.Run("lookup_error_falls_back", func(t *testing.T) {
		r := NewVendorResolver(&fakeOUILookup{
			fail: errors.NewDatabaseError(errors.CodeDatabaseConnection, "database connection error"),
		})

		vendor := r.Resolve(context.Background(), macOf("aa:bb:cc:dd:ee:ff"), "Fallback")
		assert.Equal(t, "Fallback", vendor)
	})

	t.Run("nil_mac", func(t *testing.T) {
		r := NewVendorResolver(&fakeOUILookup{})
		assert.Equal(t, "TP-Link", r.Resolve(context.Background(), nil, "TP-Link"))
	})

	t.Run("nil_lookup", func(t *testing.T) {
		r := NewVendorResolver(nil)
		assert.Equal(t, "Apple", r.Resolve(context.Background(), macOf("aa:bb:cc:dd:ee:ff"), "Apple"))
	})
}
