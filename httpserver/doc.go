/*
Package httpserver serves the referral registry over HTTP.

# Registry API

	POST /api/v1/attestations               submit a signed attestation (JSON or binary envelope)
	GET  /api/v1/records/{id}               fetch a record
	GET  /api/v1/records/{id}/audit         audit trail of a record
	POST /api/v1/records/{id}/revoke        revoke a record (signed by issuer or admin)
	GET  /api/v1/referrers/{address}/records?cursor=&limit=
	GET  /api/v1/issuer                     current issuer and grant history
	POST /api/v1/issuer/rotate              rotate the issuer (signed by issuer or admin)
	GET  /api/v1/events/ws                  websocket stream of registry events

JSON request bodies are validated against a JSON schema before decoding.
Attestation nonces are decimal strings; signatures are 0x-prefixed hex.

Errors are returned as {"error": "...", "code": "..."} with these statuses:

	400 malformed_attestation, bad_request
	401 unauthorized_attestation
	403 unauthorized_revocation, unauthorized_rotation
	404 not_found
	409 duplicate_record, already_revoked
	422 invalid_rotation

# Operational endpoints

	GET /livez     liveness
	GET /readyz    readiness, 503 while draining
	GET /drain     stop reporting ready
	GET /undrain   report ready again
	/debug/pprof   when pprof is enabled

Prometheus metrics are served on a separate listener.
*/
package httpserver
