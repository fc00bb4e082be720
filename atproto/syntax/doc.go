// Package syntax provides string types for the atproto identifiers used during login.
//
// These are simple string alias types for parsing and verifying the protocol-level syntax of handles and DIDs, not routines for resolution or for checking application policy.
package syntax
