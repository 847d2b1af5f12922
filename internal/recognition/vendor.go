package recognition

import (
	"context"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
)

// OUILookup resolves MAC address prefixes to vendor names.
// *db.OUIRepository satisfies it.
type OUILookup interface {
	Lookup(ctx context.Context, oui string) (string, error)
}

// VendorResolver resolves device vendors from MAC addresses, using
// the local OUI cache first and falling back to whatever vendor name
// the scan tool reported.
type VendorResolver struct {
	oui OUILookup
}

// NewVendorResolver creates a vendor resolver. A nil lookup disables
// cache resolution and only the scan-reported vendor is used.
func NewVendorResolver(oui OUILookup) *VendorResolver {
	return &VendorResolver{oui: oui}
}

// Resolve returns the vendor name for a MAC address. An empty string
// means the vendor is unknown.
func (r *VendorResolver) Resolve(ctx context.Context, mac *db.MACAddr, scanVendor string) string {
	if mac != nil && r.oui != nil {
		if oui := mac.OUI(); oui != "" {
			vendor, err := r.oui.Lookup(ctx, oui)
			if err == nil && vendor != "" {
				return vendor
			}
			if err != nil && !errors.IsNotFound(err) {
				logging.Error("oui lookup failed", "oui", oui, "error", err)
			}
		}
	}

	return scanVendor
}
