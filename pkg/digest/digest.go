// Package digest computes the content-addressed identifiers shared by
// every node. All nodes must derive identical hashes independently; that
// is what makes sync and replication idempotent without coordination, so
// the canonical encoding here (stable field order, explicit zero-value
// handling) must never change incompatibly.
package digest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"socialmesh/pkg/models"
)

var hashRe = regexp.MustCompile(`^0x[a-f0-9]{64}$`)

// canonicalMessage fixes the field set and order the message hash covers.
// Hash and signature fields are excluded; mutating anything else changes
// the identity of the message.
type canonicalMessage struct {
	Type              string         `json:"messageType"`
	AccountID         string         `json:"accountId"`
	Text              string         `json:"text"`
	Timestamp         int64          `json:"timestamp"`
	ParentHash        string         `json:"parentHash"`
	RootParentHash    string         `json:"rootParentHash"`
	Mentions          []string       `json:"mentions"`
	MentionsPositions []int          `json:"mentionsPositions"`
	Embeds            []models.Embed `json:"embeds"`
}

// MessageHash returns the canonical digest of m as 0x-prefixed hex.
func MessageHash(m *models.Message) string {
	c := canonicalMessage{
		Type:              messageType(m),
		AccountID:         m.AccountID,
		Text:              m.Text,
		Timestamp:         m.Timestamp,
		ParentHash:        m.ParentHash,
		RootParentHash:    m.RootParentHash,
		Mentions:          m.Mentions,
		MentionsPositions: m.MentionsPositions,
		Embeds:            m.Embeds,
	}
	if c.Mentions == nil {
		c.Mentions = []string{}
	}
	if c.MentionsPositions == nil {
		c.MentionsPositions = []int{}
	}
	if c.Embeds == nil {
		c.Embeds = []models.Embed{}
	}
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

func messageType(m *models.Message) string {
	if m.Type == "" {
		return models.MessagePost
	}
	return m.Type
}

// ValidHash reports whether s is a well-formed message hash.
func ValidHash(s string) bool {
	return hashRe.MatchString(strings.ToLower(s))
}

// Verify checks the ed25519 signature over the digest bytes of hash.
// signingKey and signature are hex encoded.
func Verify(hash, signingKey, signature string) bool {
	sum, err := hashBytes(hash)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(signingKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), sum, sig)
}

// Sign produces the hex ed25519 signature over the digest bytes of hash.
func Sign(hash string, priv ed25519.PrivateKey) (string, error) {
	sum, err := hashBytes(hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, sum)), nil
}

func hashBytes(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("malformed hash %q", hash)
	}
	return hex.DecodeString(strings.TrimPrefix(strings.ToLower(hash), "0x"))
}

// RecordCID derives the content identifier for record value bytes.
func RecordCID(value []byte) string {
	sum := sha256.Sum256(value)
	return "bafy" + hex.EncodeToString(sum[:])[:46]
}

// RecordURI builds the canonical record URI from its coordinates.
func RecordURI(repo, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", repo, collection, rkey)
}
