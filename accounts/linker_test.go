package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/bluesky-social/atlogin/atproto/auth/oauth"
	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	db, err := SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqldb, err := db.DB(); err == nil {
			sqldb.Close()
		}
	})
	return db
}

func aliceIdentity() *oauth.AccountIdentity {
	return &oauth.AccountIdentity{
		DID:            syntax.DID("did:plc:alice123"),
		Handle:         syntax.Handle("alice.example.com"),
		Email:          "Alice@Example.com",
		EmailConfirmed: true,
		DisplayName:    "Alice",
		AvatarURL:      "https://cdn.example.com/alice.jpg",
		PDSEndpoint:    "https://pds.example.com",
		AuthServer:     "https://auth.example.com",
	}
}

func TestLinkNewAccount(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)
	l := NewLinker(db)

	res, err := l.LinkAccount(ctx, aliceIdentity())
	require.NoError(t, err)
	assert.True(res.Created)
	assert.False(res.MatchedByEmail)
	assert.Equal("alice", res.Username)

	acct, err := l.LookupAccount(ctx, "did:plc:alice123")
	require.NoError(t, err)
	assert.Equal(res.AccountID, acct.ID)
	assert.Equal("Alice", acct.Name)
	assert.Equal("alice@example.com", acct.Email)
	assert.True(acct.EmailVerified)

	// second login reuses the account, and refreshes the association
	ident := aliceIdentity()
	ident.Handle = "alice.bsky.social"
	ident.DisplayName = "Alice A."
	again, err := l.LinkAccount(ctx, ident)
	require.NoError(t, err)
	assert.False(again.Created)
	assert.Equal(res.AccountID, again.AccountID)

	var assoc AssociatedAccount
	require.NoError(t, db.Where("provider_uid = ?", "did:plc:alice123").First(&assoc).Error)
	assert.Equal("alice.bsky.social", assoc.Handle)
	assert.Equal("Alice A.", assoc.DisplayName)
	assert.Equal(ProviderAtproto, assoc.Provider)

	var count int64
	require.NoError(t, db.Model(&AssociatedAccount{}).Count(&count).Error)
	assert.Equal(int64(1), count)
}

func TestLinkByVerifiedEmail(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)
	l := NewLinker(db)

	existing := Account{Username: "asmith", Name: "Alice Smith", Email: "alice@example.com", EmailVerified: true}
	require.NoError(t, db.Create(&existing).Error)

	res, err := l.LinkAccount(ctx, aliceIdentity())
	require.NoError(t, err)
	assert.False(res.Created)
	assert.True(res.MatchedByEmail)
	assert.Equal(existing.ID, res.AccountID)
	assert.Equal("asmith", res.Username)
}

func TestLinkUnverifiedEmailCreatesAccount(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)
	l := NewLinker(db)

	existing := Account{Username: "alice", Email: "alice@example.com", EmailVerified: true}
	require.NoError(t, db.Create(&existing).Error)

	ident := aliceIdentity()
	ident.EmailConfirmed = false
	res, err := l.LinkAccount(ctx, ident)
	require.NoError(t, err)
	assert.True(res.Created)
	assert.NotEqual(existing.ID, res.AccountID)
	// preferred username was taken
	assert.Equal("alice2", res.Username)

	acct, err := l.LookupAccount(ctx, ident.DID)
	require.NoError(t, err)
	assert.Empty(acct.Email)
	assert.False(acct.EmailVerified)
}

func TestLinkWithoutDID(t *testing.T) {
	assert := assert.New(t)
	l := NewLinker(testDB(t))

	ident := aliceIdentity()
	ident.DID = ""
	_, err := l.LinkAccount(context.Background(), ident)
	assert.ErrorIs(err, ErrNoDID)
	assert.Equal(oauth.ReasonInvalidCredentials, oauth.ReasonFor(err))
}

func TestUnlinkAccount(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := NewLinker(testDB(t))

	res, err := l.LinkAccount(ctx, aliceIdentity())
	require.NoError(t, err)

	require.NoError(t, l.UnlinkAccount(ctx, "did:plc:alice123"))
	_, err = l.LookupAccount(ctx, "did:plc:alice123")
	assert.True(errors.Is(err, ErrNotLinked))
	assert.ErrorIs(l.UnlinkAccount(ctx, "did:plc:alice123"), ErrNotLinked)

	// relinking after revocation matches the kept account by verified email
	again, err := l.LinkAccount(ctx, aliceIdentity())
	require.NoError(t, err)
	assert.Equal(res.AccountID, again.AccountID)
	assert.True(again.MatchedByEmail)
}

func TestSetupDatabaseUnsupported(t *testing.T) {
	_, err := SetupDatabase("mysql://localhost/atlogin", 1)
	assert.Error(t, err)
}
