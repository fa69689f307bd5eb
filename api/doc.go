/*
Package api defines the wire types of the referral registry HTTP API.

The server side lives in the httpserver package; the clients subpackage
implements RegistryAPI over HTTP.

Attestations travel as JSON with the nonce as a decimal string and the
signature as 0x-prefixed hex:

	{
	  "referrer":  "0xAa00000000000000000000000000000000000000",
	  "referee":   "0xBb00000000000000000000000000000000000000",
	  "nonce":     "1",
	  "issued_at": 1700000060,
	  "signature": "0x..."
	}

or as a 146-byte binary envelope with Content-Type application/octet-stream.
*/
package api
