// Package app wires the core services behind one handle for the CLI.
//
// It builds the logging backend, the encrypted store, the relay pool and
// the identity, contact, key-package and group services from a Config, and
// composes the few flows that span more than one service, such as creating
// an identity and publishing its first key package.
package app
