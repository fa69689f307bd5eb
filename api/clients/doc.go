// Package clients provides an HTTP client for the referral registry API.
//
// Error responses are returned as *APIError, which unwraps to the matching
// registry error so callers can test for, say, a duplicate with
// errors.Is(err, interfaces.ErrDuplicateRecord).
package clients
