// Package auth issues and validates operator tokens.
//
// Tokens are HS256 JWTs carrying a subject and one of two roles:
//   - viewer: list devices, read logs, watch real-time updates
//   - operator: everything a viewer can do, plus send commands
//
// Validation is by signature and expiry only; there is no token store.
// Devices do not authenticate with tokens.
package auth
