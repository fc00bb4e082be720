package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bluesky-social/atlogin/atproto/auth/oauth"
	"github.com/bluesky-social/atlogin/atproto/syntax"

	"gorm.io/gorm"
)

var (
	// The identity has no DID, so it can not be linked to anything.
	ErrNoDID = errors.New("identity has no DID")

	ErrNotLinked = errors.New("no linked account for DID")
)

// Maximum number of numeric suffixes tried when the preferred username is taken.
const maxUsernameAttempts = 100

// gorm-backed [oauth.AccountLinker]. Logins are matched by DID first, then by verified email, and otherwise get a new account.
type Linker struct {
	db     *gorm.DB
	Logger *slog.Logger
}

var _ oauth.AccountLinker = (*Linker)(nil)

func NewLinker(db *gorm.DB) *Linker {
	return &Linker{
		db:     db,
		Logger: slog.Default().With("system", "accounts"),
	}
}

func (l *Linker) LinkAccount(ctx context.Context, ident *oauth.AccountIdentity) (*oauth.LinkResult, error) {
	if ident.DID == "" {
		return nil, fmt.Errorf("%w: %w", oauth.ErrTokenExchange, ErrNoDID)
	}

	var res *oauth.LinkResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = l.link(tx, ident)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Info("linked account", "did", ident.DID, "account", res.AccountID, "created", res.Created, "matchedByEmail", res.MatchedByEmail)
	return res, nil
}

func (l *Linker) link(tx *gorm.DB, ident *oauth.AccountIdentity) (*oauth.LinkResult, error) {
	var assoc AssociatedAccount
	err := tx.Where("provider = ? AND provider_uid = ?", ProviderAtproto, ident.DID.String()).First(&assoc).Error
	if err == nil {
		// returning user: refresh what we know about them
		fillAssociation(&assoc, ident)
		if err := tx.Save(&assoc).Error; err != nil {
			return nil, fmt.Errorf("updating associated account: %w", err)
		}
		var acct Account
		if err := tx.First(&acct, assoc.AccountID).Error; err != nil {
			return nil, fmt.Errorf("loading linked account: %w", err)
		}
		return &oauth.LinkResult{AccountID: acct.ID, Username: acct.Username}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up associated account: %w", err)
	}

	res := &oauth.LinkResult{}
	var acct Account
	found := false
	if ident.PrimaryEmailVerified() {
		err := tx.Where("email = ? AND email_verified = ?", strings.ToLower(ident.Email), true).First(&acct).Error
		if err == nil {
			found = true
			res.MatchedByEmail = true
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("looking up account by email: %w", err)
		}
	}

	if !found {
		username, err := uniqueUsername(tx, ident)
		if err != nil {
			return nil, err
		}
		acct = Account{
			Username:  username,
			Name:      ident.Name(),
			AvatarURL: ident.AvatarURL,
		}
		if ident.PrimaryEmailVerified() {
			acct.Email = strings.ToLower(ident.Email)
			acct.EmailVerified = true
		}
		if err := tx.Create(&acct).Error; err != nil {
			return nil, fmt.Errorf("creating account: %w", err)
		}
		res.Created = true
	}

	assoc = AssociatedAccount{
		AccountID:   acct.ID,
		Provider:    ProviderAtproto,
		ProviderUID: ident.DID.String(),
	}
	fillAssociation(&assoc, ident)
	if err := tx.Create(&assoc).Error; err != nil {
		return nil, fmt.Errorf("creating associated account: %w", err)
	}

	res.AccountID = acct.ID
	res.Username = acct.Username
	return res, nil
}

func fillAssociation(assoc *AssociatedAccount, ident *oauth.AccountIdentity) {
	assoc.Handle = ident.Handle.String()
	assoc.DisplayName = ident.DisplayName
	assoc.AvatarURL = ident.AvatarURL
	assoc.PDSEndpoint = ident.PDSEndpoint
	assoc.AuthServer = ident.AuthServer
	// keep the last confirmed address when the email fetch failed or was skipped
	if ident.PrimaryEmailVerified() {
		assoc.Email = strings.ToLower(ident.Email)
	}
}

func uniqueUsername(tx *gorm.DB, ident *oauth.AccountIdentity) (string, error) {
	base := ident.Username()
	if base == "" {
		base = "user"
	}
	candidate := base
	for i := 2; i < maxUsernameAttempts+2; i++ {
		var count int64
		if err := tx.Model(&Account{}).Where("username = ?", candidate).Count(&count).Error; err != nil {
			return "", fmt.Errorf("checking username: %w", err)
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i)
	}
	return "", fmt.Errorf("no available username for %q", base)
}

// Removes the link between the DID and its local account. The account itself is kept.
func (l *Linker) UnlinkAccount(ctx context.Context, did syntax.DID) error {
	res := l.db.WithContext(ctx).Unscoped().Where("provider = ? AND provider_uid = ?", ProviderAtproto, did.String()).Delete(&AssociatedAccount{})
	if res.Error != nil {
		return fmt.Errorf("unlinking account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotLinked
	}
	l.Logger.Info("unlinked account", "did", did)
	return nil
}

// Returns the local account linked to the DID, or [ErrNotLinked].
func (l *Linker) LookupAccount(ctx context.Context, did syntax.DID) (*Account, error) {
	var assoc AssociatedAccount
	err := l.db.WithContext(ctx).Where("provider = ? AND provider_uid = ?", ProviderAtproto, did.String()).First(&assoc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotLinked
	}
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := l.db.WithContext(ctx).First(&acct, assoc.AccountID).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}
