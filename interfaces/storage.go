package interfaces

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying archived content.
type ContentID [32]byte

// ComputeID hashes data into the ID it is archived under.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType indicates the archive namespace.
type ContentType int

const (
	// EnvelopeType for signed attestation envelopes.
	EnvelopeType ContentType = iota
	// EventType for JSON-encoded registry events.
	EventType
)

// String returns type name, also used as the namespace prefix by backends.
func (ct ContentType) String() string {
	switch ct {
	case EnvelopeType:
		return "envelopes"
	case EventType:
		return "events"
	default:
		return "unknown"
	}
}

// ArchiveScheme selects the archive backend implementation.
type ArchiveScheme string

const (
	SchemeFile  ArchiveScheme = "file"
	SchemeS3    ArchiveScheme = "s3"
	SchemeIPFS  ArchiveScheme = "ipfs"
	SchemeVault ArchiveScheme = "vault"
)

// ArchiveLocation is one parsed --archive URI:
//
//	file:///var/lib/peerproof/archive
//	s3://KEY:SECRET@bucket/prefix?region=eu-west-1&path_style=true
//	ipfs://127.0.0.1:5001/peerproof?timeout=10s
//	vault://TOKEN@vault.internal:8200/secret/peerproof
//
// User and Secret hold the userinfo part. Vault reads its token from User.
type ArchiveLocation struct {
	Scheme ArchiveScheme
	Host   string
	Path   string
	User   string
	Secret string

	params   url.Values
	redacted string
}

func ParseArchiveLocation(raw string) (ArchiveLocation, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		// url.Error echoes the input, credentials included.
		return ArchiveLocation{}, fmt.Errorf("%w: malformed URI", ErrInvalidLocationURI)
	}
	if u.Opaque != "" {
		return ArchiveLocation{}, fmt.Errorf("%w: %s location must use %s://", ErrInvalidLocationURI, u.Scheme, u.Scheme)
	}

	masked := *u
	if u.User != nil {
		masked.User = url.User("xxxxx")
	}
	loc := ArchiveLocation{
		Scheme:   ArchiveScheme(strings.ToLower(u.Scheme)),
		Host:     u.Host,
		Path:     u.Path,
		params:   u.Query(),
		redacted: masked.String(),
	}
	switch loc.Scheme {
	case SchemeFile, SchemeS3, SchemeIPFS, SchemeVault:
	default:
		return ArchiveLocation{}, fmt.Errorf("%w: unsupported archive scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
	if u.User != nil {
		loc.User = u.User.Username()
		loc.Secret, _ = u.User.Password()
	}
	return loc, nil
}

// String returns the URI with its userinfo masked, safe to log.
func (l ArchiveLocation) String() string {
	return l.redacted
}

// Param returns the named query parameter, or "" if absent.
func (l ArchiveLocation) Param(name string) string {
	return l.params.Get(name)
}

// Flag reports whether the named query parameter parses as true.
func (l ArchiveLocation) Flag(name string) bool {
	v, err := strconv.ParseBool(l.params.Get(name))
	return err == nil && v
}

var (
	ErrContentNotFound    = errors.New("archived content not found")
	ErrBackendUnavailable = errors.New("archive backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid archive location")
)

// StorageBackend is one content-addressed archive of envelopes and events.
// Fetch returns ErrContentNotFound for unknown IDs and verifies that the
// returned bytes hash to id.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}

// StorageBackendFactory builds archive backends from parsed locations.
type StorageBackendFactory interface {
	StorageBackendFor(location ArchiveLocation) (StorageBackend, error)

	// CreateMultiBackend fans writes out to every location that yields a backend.
	CreateMultiBackend(locations []ArchiveLocation) (StorageBackend, error)

	// WithTLSAuth configures TLS client authentication used by vault backends.
	WithTLSAuth(func() (tls.Certificate, error)) StorageBackendFactory
}
