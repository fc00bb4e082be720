package oauth

import (
	"context"

	"github.com/bluesky-social/atlogin/atproto/syntax"
)

// Normalized result of a completed login, handed to an [AccountLinker].
//
// DID is empty if the token response had no subject; such identities can not be linked.
type AccountIdentity struct {
	DID            syntax.DID
	Handle         syntax.Handle
	Email          string
	EmailConfirmed bool
	DisplayName    string
	AvatarURL      string
	RawProfile     map[string]any
	PDSEndpoint    string
	AuthServer     string

	// Set when the corresponding enrichment fetch failed or was skipped
	ProfileErr error
	SessionErr error
}

// Whether the account email can be trusted: present, and confirmed by the PDS.
func (a *AccountIdentity) PrimaryEmailVerified() bool {
	return a.Email != "" && a.EmailConfirmed
}

// Suggested local username: the first DNS label of the handle.
func (a *AccountIdentity) Username() string {
	return a.Handle.FirstLabel()
}

// Suggested display name: the profile display name, falling back to the handle.
func (a *AccountIdentity) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Handle.String()
}

// Outcome of linking a login to a local account.
type LinkResult struct {
	AccountID uint
	Username  string
	Created   bool
	// true if an existing account was matched by verified email
	MatchedByEmail bool
}

// Maps a verified atproto identity to a local account, creating one if needed.
type AccountLinker interface {
	LinkAccount(ctx context.Context, ident *AccountIdentity) (*LinkResult, error)
}
