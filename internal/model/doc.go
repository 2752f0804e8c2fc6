// Package model defines the typed payloads carried by data and response frames.
//
// Conventions:
//   - Prices and quantities: decimal.Decimal, encoded as JSON strings
//   - Timestamps: int64 microseconds since Unix epoch
//   - Price feed topic keys: SYMBOL@VENUE (e.g. "AAPL@XNAS")
package model
