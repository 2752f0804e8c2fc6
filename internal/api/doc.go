// Package api provides the broker REST client used for device pairing and
// session issuance.
//
// Endpoints:
//   - POST /v1/pairing/initiate
//   - POST /v1/pairing/complete
//   - POST /v1/session/login    (signed envelope)
//   - POST /v1/session/refresh  (signed envelope + bearer token)
//   - POST /v1/session/logout   (bearer token)
//
// Error responses carry {"code","message","attempts_remaining"} and are
// mapped onto the errs taxonomy.
package api
