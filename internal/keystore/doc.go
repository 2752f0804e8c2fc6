// Package keystore persists the device identity created during pairing.
//
// A Store owns at most one DeviceKeyPair. The private key is sealed before it
// reaches a Backend:
//   - PassphraseSealer: Argon2id + HKDF-SHA256 + ChaCha20-Poly1305 (default)
//   - PlaintextSealer: development only, logs a warning when used
//
// Backends:
//   - BadgerBackend: embedded local store
//   - PostgresBackend: shared store for deployments that run many clients
//   - MemoryBackend: tests
package keystore
