// Package validator enforces the protocol invariants on inbound
// messages. The pipeline is pure: no side effects beyond the identity
// oracle lookups, so hubs apply it identically to client submissions and
// to messages arriving from peers.
package validator

import (
	"context"
	"math"
	"time"

	"socialmesh/pkg/digest"
	"socialmesh/pkg/identity"
	"socialmesh/pkg/models"
	"socialmesh/pkg/protocol"
)

// MaxClockSkew bounds how far an author-claimed timestamp may sit from
// this node's clock in either direction.
const MaxClockSkew = 24 * time.Hour

type Validator struct {
	oracle identity.Oracle
	// now is swappable for tests.
	now func() time.Time
}

func New(oracle identity.Oracle) *Validator {
	return &Validator{oracle: oracle, now: time.Now}
}

// Validate runs the pipeline in order, short-circuiting on the first
// failure: structure, hash, account, signature. A nil return means the
// message may be stored.
func (v *Validator) Validate(ctx context.Context, m *models.Message) error {
	if err := v.checkStructure(m); err != nil {
		return err
	}
	if err := v.checkHash(m); err != nil {
		return err
	}
	if err := v.checkAccount(ctx, m); err != nil {
		return err
	}
	return v.checkSignature(ctx, m)
}

func (v *Validator) checkStructure(m *models.Message) error {
	if m.Hash == "" || m.AccountID == "" || m.Timestamp == 0 {
		return protocol.Errf(protocol.CodeInvalidStructure, "missing required fields")
	}
	if len(m.Text) > models.MaxMessageText {
		return protocol.Errf(protocol.CodeInvalidStructure, "text exceeds %d chars", models.MaxMessageText)
	}
	switch m.Type {
	case models.MessageLike, models.MessageRepost:
		// Reactions carry no text of their own.
		if m.ParentHash == "" {
			return protocol.Errf(protocol.CodeInvalidStructure, "reaction requires a parent hash")
		}
	case models.MessageQuote:
		if m.ParentHash == "" {
			return protocol.Errf(protocol.CodeInvalidStructure, "quote requires a parent hash")
		}
		if m.Text == "" {
			return protocol.Errf(protocol.CodeInvalidStructure, "missing required fields")
		}
	case "", models.MessagePost, models.MessageReply:
		if m.Text == "" {
			return protocol.Errf(protocol.CodeInvalidStructure, "missing required fields")
		}
	default:
		return protocol.Errf(protocol.CodeInvalidStructure, "unknown message type %q", m.Type)
	}
	if m.ParentHash != "" && !digest.ValidHash(m.ParentHash) {
		return protocol.Errf(protocol.CodeInvalidStructure, "malformed parent hash")
	}
	if len(m.MentionsPositions) != 0 && len(m.MentionsPositions) != len(m.Mentions) {
		return protocol.Errf(protocol.CodeInvalidStructure, "mentions and positions disagree")
	}
	skew := math.Abs(float64(v.now().Unix() - m.Timestamp))
	if skew > MaxClockSkew.Seconds() {
		return protocol.Errf(protocol.CodeInvalidStructure, "timestamp outside accepted window")
	}
	return nil
}

func (v *Validator) checkHash(m *models.Message) error {
	computed := digest.MessageHash(m)
	if computed != m.Hash {
		return protocol.Errf(protocol.CodeHashMismatch, "claimed hash does not match content")
	}
	// A self-referencing parent would make the message its own ancestor.
	// Deeper cycles would require a hash collision and are not checked.
	if m.ParentHash == computed {
		return protocol.Errf(protocol.CodeInvalidStructure, "message references itself as parent")
	}
	return nil
}

func (v *Validator) checkAccount(ctx context.Context, m *models.Message) error {
	ok, err := v.oracle.ResolveAccount(ctx, m.AccountID)
	if err != nil {
		return protocol.Errf(protocol.CodeUnknownAccount, "account lookup failed: %v", err)
	}
	if !ok {
		return protocol.Errf(protocol.CodeUnknownAccount, "account %s is not registered", m.AccountID)
	}
	return nil
}

func (v *Validator) checkSignature(ctx context.Context, m *models.Message) error {
	if m.Signature == "" || m.SigningKey == "" {
		// Signatures are optional only when the deployment runs without
		// a registry; with one configured, unsigned messages fail the
		// authorization lookup below.
		if _, ok := v.oracle.(identity.Permissive); ok {
			return nil
		}
		return protocol.Errf(protocol.CodeInvalidSignature, "signature missing")
	}
	if !digest.Verify(m.Hash, m.SigningKey, m.Signature) {
		return protocol.Errf(protocol.CodeInvalidSignature, "signature does not verify")
	}
	ok, err := v.oracle.IsAuthorizedSigner(ctx, m.AccountID, m.SigningKey)
	if err != nil {
		return protocol.Errf(protocol.CodeInvalidSignature, "key lookup failed: %v", err)
	}
	if !ok {
		return protocol.Errf(protocol.CodeInvalidSignature, "key not authorized for %s", m.AccountID)
	}
	return nil
}
