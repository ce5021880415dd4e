package auth

import "github.com/jmcleod/cmpauth/cmp"

// ProfileFromKeyID is the RA profile name that means "use the sender key id
// of the request as the profile name".
const ProfileFromKeyID = "KeyId"

// AliasConfig is the per-alias configuration the engine evaluates against.
type AliasConfig struct {
	RAMode            bool
	VendorMode        bool
	OmitVerifications bool

	// VendorCAs are tried in order; the first CA that issued the request
	// certificate wins.
	VendorCAs []string

	// RAEndEntityProfile names the end-entity profile RA requests are
	// authorized against, or ProfileFromKeyID.
	RAEndEntityProfile string

	// RACAName names the CA that issued RA certificates.
	RACAName string

	// ExtractUsernameComponent is the subject DN attribute holding the
	// username of vendor-issued certificates, e.g. "CN".
	ExtractUsernameComponent string
}

// Mode is the operating mode derived for one request.
type Mode int

const (
	ModeClientDirect Mode = iota
	ModeClientVendorIssued
	ModeRAOperated
	ModeRAOperatedPreAuthenticated
)

func (m Mode) String() string {
	switch m {
	case ModeClientDirect:
		return "client"
	case ModeClientVendorIssued:
		return "client-vendor"
	case ModeRAOperated:
		return "ra"
	case ModeRAOperatedPreAuthenticated:
		return "ra-preauthenticated"
	default:
		return "unknown"
	}
}

// vendorApplies reports whether vendor mode is in effect for a body type.
// Only initialization and certification requests can be vendor-issued.
func vendorApplies(cfg AliasConfig, bt cmp.BodyType) bool {
	return cfg.VendorMode && !cfg.RAMode && (bt == cmp.BodyIR || bt == cmp.BodyCR)
}

// ResolveMode derives the operating mode and rejects configurations that
// cannot be combined.
func ResolveMode(cfg AliasConfig, bt cmp.BodyType, preAuthenticated bool) (Mode, *Rejection) {
	if cfg.RAMode && cfg.VendorMode {
		return 0, reject(ReasonConfigurationConflict, "vendor mode and RA mode cannot be combined")
	}
	if cfg.OmitVerifications && (!cfg.RAMode || !preAuthenticated) {
		return 0, reject(ReasonConfigurationConflict,
			"omitting verifications is only accepted in RA mode for an already authenticated request")
	}

	switch {
	case cfg.RAMode && cfg.OmitVerifications:
		return ModeRAOperatedPreAuthenticated, nil
	case cfg.RAMode:
		return ModeRAOperated, nil
	case vendorApplies(cfg, bt):
		return ModeClientVendorIssued, nil
	default:
		return ModeClientDirect, nil
	}
}
