package store

import "time"

// Credential is the delegated OAuth grant for one session. Expiry always
// reflects the token currently held in AccessToken.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UpdatedAt    time.Time
}
