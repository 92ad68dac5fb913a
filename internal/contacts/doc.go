// Package contacts keeps the per-account contact directory: petnames chosen
// by the user mapped to public keys, with a cached copy of each contact's
// published profile. Petnames never leave the device.
package contacts
