// Package domain defines core data models and interfaces shared across the
// app. It contains plain types (keys, accounts, groups, relay records, the
// error taxonomy) and contracts (interfaces) only; no crypto or I/O lives
// here, so every other internal package may depend on it without cycles.
package domain
