package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/peerproof/referral-registry/interfaces"
)

const (
	defaultIPFSPort    = "5001"
	defaultIPFSTimeout = 30 * time.Second
	defaultS3Region    = "us-east-1"
)

// StorageBackendFactory creates archive backends from location URIs.
type StorageBackendFactory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

func NewStorageBackendFactory(log *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: log}
}

// WithTLSAuth returns a factory whose vault backends authenticate with the given client certificate.
func (sf *StorageBackendFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{log: sf.log, tlsAuth: getCert}
}

// StorageBackendFor creates a backend for one of the file, s3, ipfs or vault schemes.
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	switch location.Scheme {
	case interfaces.SchemeFile:
		return sf.createFileBackend(location)
	case interfaces.SchemeS3:
		return sf.createS3Backend(location)
	case interfaces.SchemeIPFS:
		return sf.createIPFSBackend(location)
	case interfaces.SchemeVault:
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend skips locations that fail to produce a backend and
// errors only if none succeed.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("failed to create storage backend", "err", err, "location", location.String())
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid storage backends created", interfaces.ErrInvalidLocationURI)
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// file:///absolute/path or file://./relative/path
func (sf *StorageBackendFactory) createFileBackend(location interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, location)
	}
	return NewFileBackend(path, sf.log)
}

// s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=...&endpoint=...&path_style=true
func (sf *StorageBackendFactory) createS3Backend(location interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, location)
	}

	cfg := S3Config{
		Bucket:    location.Host,
		Prefix:    location.Path,
		Region:    location.Param("region"),
		Endpoint:  location.Param("endpoint"),
		PathStyle: location.Flag("path_style"),
		AccessKey: location.User,
		SecretKey: location.Secret,
	}
	if cfg.Region == "" {
		cfg.Region = defaultS3Region
	}

	return NewS3Backend(cfg, sf.log)
}

// ipfs://host[:port]/root?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	host, port, found := strings.Cut(location.Host, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", interfaces.ErrInvalidLocationURI, location)
	}
	if !found || port == "" {
		port = defaultIPFSPort
	}

	timeout := defaultIPFSTimeout
	if raw := location.Param("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	root := strings.Trim(location.Path, "/")
	if root == "" {
		root = "peerproof"
	}

	return NewIPFSBackend(host, port, root, timeout, sf.log), nil
}

// vault://[TOKEN@]host:port/mount/path?tls=false
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	mount, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if location.Host == "" || mount == "" {
		return nil, fmt.Errorf("%w: vault location needs host and mount in %s", interfaces.ErrInvalidLocationURI, location)
	}

	scheme := "https"
	if location.Param("tls") == "false" {
		scheme = "http"
	}

	cfg := VaultConfig{
		Address:   scheme + "://" + location.Host,
		MountPath: mount,
		DataPath:  dataPath,
		Token:     location.User,
	}
	if sf.tlsAuth != nil {
		cert, err := sf.tlsAuth()
		if err != nil {
			return nil, fmt.Errorf("failed to load vault client certificate: %w", err)
		}
		cfg.ClientCert = &cert
	}
	if cfg.Token == "" && cfg.ClientCert == nil {
		return nil, fmt.Errorf("%w: vault location needs a token or TLS client authentication", interfaces.ErrInvalidLocationURI)
	}

	return NewVaultBackend(cfg, sf.log)
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)
