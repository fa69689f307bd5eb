package interfaces

import (
	"fmt"
	"time"
)

// GrantKind tags an issuer grant.
type GrantKind int

const (
	// CurrentIssuer grants are open-ended from ValidFrom.
	CurrentIssuer GrantKind = iota
	// HistoricalIssuer grants cover [ValidFrom, ValidTo).
	HistoricalIssuer
)

func (k GrantKind) String() string {
	switch k {
	case CurrentIssuer:
		return "current"
	case HistoricalIssuer:
		return "historical"
	default:
		return "unknown"
	}
}

func (k GrantKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *GrantKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "current":
		*k = CurrentIssuer
	case "historical":
		*k = HistoricalIssuer
	default:
		return fmt.Errorf("unknown grant kind %q", text)
	}
	return nil
}

// Grant records that Issuer was trusted to sign attestations over a time interval.
type Grant struct {
	Kind      GrantKind `json:"kind"`
	Issuer    Address   `json:"issuer"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to,omitempty"`
}

// Covers reports whether an attestation issued at t falls inside the grant.
func (g Grant) Covers(t time.Time) bool {
	switch g.Kind {
	case CurrentIssuer:
		return !t.Before(g.ValidFrom)
	case HistoricalIssuer:
		return !t.Before(g.ValidFrom) && t.Before(g.ValidTo)
	default:
		return false
	}
}
