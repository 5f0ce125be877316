package db

import (
	"time"
)

// ClientRecord is an API client able to submit tasks. Secrets are
// stored bcrypt-hashed; Audience scopes the tokens minted for it.
type ClientRecord struct {
	ID         string    `db:"id"`
	SecretHash string    `db:"secret_hash"`
	Audience   string    `db:"audience"`
	CreatedAt  time.Time `db:"created_at"`
	Deleted    bool      `db:"deleted"`
}
