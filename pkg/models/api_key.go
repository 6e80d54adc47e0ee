package models

import "time"

// KeyKind distinguishes agent keys from user keys. The kind is readable
// from the plaintext prefix: cav_ak_ for agents, cav_uk_ for users.
type KeyKind string

const (
	KeyKindAgent KeyKind = "agent"
	KeyKindUser  KeyKind = "user"
)

// Valid reports whether the kind is known.
func (k KeyKind) Valid() bool {
	return k == KeyKindAgent || k == KeyKindUser
}

// APIKey is the stored form of an issued key. Only the prefix and the
// SHA-256 hash of the full plaintext are kept; the plaintext is returned
// exactly once at mint time.
type APIKey struct {
	ID         int64      `db:"id" json:"id"`
	Kind       KeyKind    `db:"kind" json:"kind"`
	AgentID    *int64     `db:"agent_id" json:"agentId,omitempty"`
	UserID     *int64     `db:"user_id" json:"userId,omitempty"`
	KeyPrefix  string     `db:"key_prefix" json:"keyPrefix"`
	KeyHash    string     `db:"key_hash" json:"-"`
	Name       string     `db:"name" json:"name"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

// StorageConnection holds encrypted credentials for the storage delivery
// destination. Config is AES-256-GCM ciphertext; see pkg/security.
type StorageConnection struct {
	ID              int64     `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Provider        string    `db:"provider" json:"provider"`
	ConfigEncrypted []byte    `db:"config_encrypted" json:"-"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}
