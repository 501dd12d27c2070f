package models

import "encoding/json"

// Well-known record collections.
const (
	CollectionPost   = "app.mesh.feed.post"
	CollectionFollow = "app.mesh.graph.follow"
)

// Record is a typed PDS record. URI and CID are recomputed server-side
// from repo/collection/key and the value bytes; client-supplied values
// are ignored to prevent spoofing.
type Record struct {
	URI        string          `json:"uri"`
	CID        string          `json:"cid"`
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Value      json.RawMessage `json:"value"`
	// CreatedAt is seconds since epoch, assigned at write time.
	CreatedAt int64 `json:"createdAt"`
}

// Follow is the payload of a follow record: an edge from the owning repo
// to the subject account. One active edge per (repo, subject) pair.
type Follow struct {
	Subject   string `json:"subject"`
	CreatedAt int64  `json:"createdAt"`
}

// Account is a PDS-owned user account.
type Account struct {
	AccountID    string `json:"accountId"`
	Handle       string `json:"handle"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	// MigratedTo holds the new PDS endpoint after a migration; empty for
	// accounts this PDS still owns.
	MigratedTo string `json:"migratedTo,omitempty"`
	MigratedAt int64  `json:"migratedAt,omitempty"`
}

// Export bundles all data owned by one account, for migration and
// portability.
type Export struct {
	Account *Account `json:"account"`
	Profile *Profile `json:"profile,omitempty"`
	Records []Record `json:"records"`
	Follows []Record `json:"follows"`
}
