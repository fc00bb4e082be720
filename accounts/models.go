package accounts

import (
	"gorm.io/gorm"
)

// Identity provider name for atproto logins.
const ProviderAtproto = "atproto"

// A local user account.
type Account struct {
	gorm.Model
	Username string `gorm:"uniqueIndex"`
	Name     string
	// only set from a confirmed address
	Email         string `gorm:"index"`
	EmailVerified bool
	AvatarURL     string
}

// Links an external identity to a local account. For atproto, ProviderUID is the account DID.
type AssociatedAccount struct {
	gorm.Model
	AccountID   uint   `gorm:"index"`
	Provider    string `gorm:"index:idx_assoc_provider_uid,unique"`
	ProviderUID string `gorm:"index:idx_assoc_provider_uid,unique"`

	// last known external account info, refreshed on every login
	Handle      string
	DisplayName string
	AvatarURL   string
	Email       string
	PDSEndpoint string
	AuthServer  string
}

// Creates or updates the tables used by this package.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &AssociatedAccount{})
}
