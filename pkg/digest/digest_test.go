package digest

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"socialmesh/pkg/models"
)

func TestMessageHashDeterministic(t *testing.T) {
	m := &models.Message{AccountID: "acct:a", Text: "hello", Timestamp: 1700000000}
	h1 := MessageHash(m)
	h2 := MessageHash(&models.Message{AccountID: "acct:a", Text: "hello", Timestamp: 1700000000})
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if !ValidHash(h1) {
		t.Fatalf("hash %q not well-formed", h1)
	}
}

func TestMessageHashCoversContent(t *testing.T) {
	base := models.Message{AccountID: "acct:a", Text: "hello", Timestamp: 1700000000}
	h := MessageHash(&base)

	changed := base
	changed.Text = "hello!"
	if MessageHash(&changed) == h {
		t.Fatal("text change did not change hash")
	}
	changed = base
	changed.Timestamp++
	if MessageHash(&changed) == h {
		t.Fatal("timestamp change did not change hash")
	}
	changed = base
	changed.ParentHash = h
	if MessageHash(&changed) == h {
		t.Fatal("parent change did not change hash")
	}
}

func TestHashIgnoresSignatureFields(t *testing.T) {
	m := models.Message{AccountID: "acct:a", Text: "x", Timestamp: 1}
	h := MessageHash(&m)
	m.Signature = "aa"
	m.SigningKey = "bb"
	m.Hash = "0xdead"
	if MessageHash(&m) != h {
		t.Fatal("signature fields must not affect the hash")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	m := &models.Message{AccountID: "acct:a", Text: "signed", Timestamp: 42}
	h := MessageHash(m)
	sig, err := Sign(h, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	key := hex.EncodeToString(pub)
	if !Verify(h, key, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(h, key, sig[:len(sig)-2]+"00") {
		t.Fatal("tampered signature accepted")
	}

	// a different key must not verify
	pub2, _, _ := ed25519.GenerateKey(nil)
	if Verify(h, hex.EncodeToString(pub2), sig) {
		t.Fatal("signature verified under wrong key")
	}
}

func TestRecordCIDAndURI(t *testing.T) {
	c1 := RecordCID([]byte(`{"text":"a"}`))
	c2 := RecordCID([]byte(`{"text":"a"}`))
	if c1 != c2 {
		t.Fatal("cid not deterministic")
	}
	if c1 == RecordCID([]byte(`{"text":"b"}`)) {
		t.Fatal("cid collision for different bytes")
	}
	uri := RecordURI("acct:a", models.CollectionPost, "k1")
	if uri != "at://acct:a/app.mesh.feed.post/k1" {
		t.Fatalf("unexpected uri %q", uri)
	}
}
