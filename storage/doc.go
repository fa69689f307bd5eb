// Package storage is the evidence archive: a content-addressed store for
// signed attestation envelopes and registry events, with pluggable backends.
//
// Content is identified by the SHA-256 hash of its bytes. Each content type
// lives in its own namespace ("envelopes" or "events"), so an object key is
// always <namespace>/<hex content id> below the backend's root.
//
// # Archive Locations
//
// Backends are built from interfaces.ArchiveLocation values parsed from
// --archive URIs. Userinfo carries credentials and is masked when logged.
//
//   - file:///var/lib/peerproof/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true
//   - ipfs://127.0.0.1:5001/peerproof
//   - vault://[TOKEN@]vault.example.com:8200/secret/peerproof?tls=true
//
// Vault backends authenticate with a token from the URI, or with a TLS client
// certificate supplied through StorageBackendFactory.WithTLSAuth.
//
// # Multi-Backend Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	archive, err := factory.CreateMultiBackend(locations)
//	sink := notify.NewArchiveSink(archive, logger)
//
// A multi-backend stores to every available backend and fetches from the
// first one that has the content.
package storage
