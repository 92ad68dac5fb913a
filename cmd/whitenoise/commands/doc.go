// Package commands defines the whitenoise CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - account  create | login | list | info | export | update | logout
//   - contact  add | remove | list | show | fetch
//   - group    create | list | show | propose-add | propose-remove |
//     commit | leave | sync
//   - message  send | dm | list | list-dm | dm-group
//   - relay    list | test
//   - status   account, relay health and group summary
//
// # Implementation
//
// The root command loads the TOML config and builds the full dependency
// graph (store, relay pool, services) before any subcommand runs. Every
// subcommand is non-interactive and prints one JSON document to stdout, so
// output is scriptable. Commands that touch sealed state take the account
// passphrase via --passphrase.
package commands
