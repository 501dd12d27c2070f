package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"socialmesh/pkg/config"
	"socialmesh/pkg/digest"
	"socialmesh/pkg/fedclient"
	"socialmesh/pkg/identity"
	"socialmesh/pkg/models"
	"socialmesh/pkg/peers"
	"socialmesh/pkg/store"
	"socialmesh/pkg/syncer"
	"socialmesh/pkg/validator"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// newHubNode wires a full hub: store, validator, syncer and router.
func newHubNode(t *testing.T, oracle identity.Oracle) (*httptest.Server, *store.Store, *peers.Directory) {
	t.Helper()
	st := openStore(t)
	val := validator.New(oracle)
	dir := peers.NewDirectory(nil)
	sy := syncer.New(st, val, fedclient.New(2*time.Second), dir, "", 50)
	h := NewHubServer(st, val, sy, dir, "hub-test", true)
	srv := httptest.NewServer(h.Router(config.RateLimitConfig{RPS: 1000, Burst: 1000}))
	t.Cleanup(srv.Close)
	return srv, st, dir
}

type signer struct {
	account string
	pub     string
	priv    ed25519.PrivateKey
}

func newSigner(t *testing.T, account string) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &signer{account: account, pub: hex.EncodeToString(pub), priv: priv}
}

func (s *signer) message(t *testing.T, text string, ts int64) *models.Message {
	t.Helper()
	m := &models.Message{AccountID: s.account, Text: text, Type: models.MessagePost, Timestamp: ts}
	m.Hash = digest.MessageHash(m)
	sig, err := digest.Sign(m.Hash, s.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.Signature = sig
	m.SigningKey = s.pub
	return m
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHubSubmitSignedMessage(t *testing.T) {
	oracle := identity.NewStatic()
	alice := newSigner(t, "acct:alice")
	oracle.Register(alice.account, alice.pub)
	srv, st, _ := newHubNode(t, oracle)

	m := alice.message(t, "hello mesh", time.Now().Unix())
	res := decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", m))
	if res.Status != "accepted" {
		t.Fatalf("verdict = %+v", res)
	}
	if stored, ok, _ := st.GetMessage(m.Hash); !ok || stored.Text != "hello mesh" {
		t.Fatalf("accepted message not stored")
	}

	// Read it back over the API (second read exercises the cache).
	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/messages/" + m.Hash)
		if err != nil || resp.StatusCode != http.StatusOK {
			t.Fatalf("get %d: %v status=%d", i, err, resp.StatusCode)
		}
		got := decode[models.Message](t, resp)
		if got.Hash != m.Hash {
			t.Fatalf("got wrong message: %+v", got)
		}
	}
}

func TestHubRejectsUnauthorizedKey(t *testing.T) {
	oracle := identity.NewStatic()
	alice := newSigner(t, "acct:alice")
	oracle.Register(alice.account, alice.pub)
	srv, st, _ := newHubNode(t, oracle)

	// Valid signature from a key the registry never authorized.
	mallory := newSigner(t, "acct:alice")
	m := mallory.message(t, "impersonation", time.Now().Unix())
	res := decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", m))
	if res.Status != "rejected" || res.Error != "INVALID_SIGNATURE" {
		t.Fatalf("verdict = %+v", res)
	}
	if _, ok, _ := st.GetMessage(m.Hash); ok {
		t.Fatalf("rejected message was stored")
	}
}

func TestHubListBatchSearch(t *testing.T) {
	oracle := identity.NewStatic()
	alice := newSigner(t, "acct:alice")
	bob := newSigner(t, "acct:bob")
	oracle.Register(alice.account, alice.pub)
	oracle.Register(bob.account, bob.pub)
	srv, _, _ := newHubNode(t, oracle)

	now := time.Now().Unix()
	for i, s := range []*signer{alice, bob, alice} {
		m := s.message(t, fmt.Sprintf("note number %d", i), now+int64(i))
		res := decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", m))
		if res.Status != "accepted" {
			t.Fatalf("seed %d: %+v", i, res)
		}
	}

	type page struct {
		Messages []models.Message `json:"messages"`
		Cursor   string           `json:"cursor"`
	}

	resp, _ := http.Get(srv.URL + "/api/v1/messages?account=acct:alice")
	list := decode[page](t, resp)
	if len(list.Messages) != 2 {
		t.Fatalf("alice has %d messages, want 2", len(list.Messages))
	}

	resp, _ = http.Get(srv.URL + "/api/v1/messages/batch?accounts=acct:alice,acct:bob&limit=10")
	batch := decode[page](t, resp)
	if len(batch.Messages) != 3 {
		t.Fatalf("batch has %d messages, want 3", len(batch.Messages))
	}
	for i := 1; i < len(batch.Messages); i++ {
		if batch.Messages[i-1].Timestamp < batch.Messages[i].Timestamp {
			t.Fatalf("batch not newest-first: %+v", batch.Messages)
		}
	}

	resp, _ = http.Get(srv.URL + "/api/v1/messages/search?q=number+1")
	found := decode[page](t, resp)
	if len(found.Messages) != 1 || found.Messages[0].AccountID != "acct:bob" {
		t.Fatalf("search results: %+v", found.Messages)
	}
}

func TestHubTombstoneVisibleToSyncOnly(t *testing.T) {
	oracle := identity.NewStatic()
	alice := newSigner(t, "acct:alice")
	oracle.Register(alice.account, alice.pub)
	srv, _, _ := newHubNode(t, oracle)

	m := alice.message(t, "delete me", time.Now().Unix())
	decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", m))

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/messages/"+m.Hash, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %v status=%d", err, resp.StatusCode)
	}
	resp.Body.Close()

	// Client read is gone.
	resp, _ = http.Get(srv.URL + "/api/v1/messages/" + m.Hash)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("tombstoned message still readable: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Sync pull still replays it, flagged deleted.
	resp, _ = http.Get(srv.URL + "/api/v1/sync/messages?since=0&limit=10")
	page := decode[fedclient.SyncPage](t, resp)
	if len(page.Messages) != 1 || !page.Messages[0].Deleted {
		t.Fatalf("sync page = %+v", page.Messages)
	}
}

func TestHubReplicatedTombstoneEvictsCachedRead(t *testing.T) {
	oracle := identity.Permissive{}
	srv, st, _ := newHubNode(t, oracle)

	m := &models.Message{AccountID: "acct:alice", Text: "short lived", Type: models.MessagePost, Timestamp: time.Now().Unix()}
	m.Hash = digest.MessageHash(m)
	res := decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", m))
	if res.Status != "accepted" {
		t.Fatalf("submit: %+v", res)
	}

	// Prime the read cache.
	resp, err := http.Get(srv.URL + "/api/v1/messages/" + m.Hash)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("prime read: %v status=%d", err, resp.StatusCode)
	}
	resp.Body.Close()

	// A tombstone pulled from a peer lands through the store, not the
	// delete handler; the cached live copy must go with it.
	tomb := *m
	tomb.Deleted = true
	if err := st.SaveMessage(&tomb); err != nil {
		t.Fatalf("tombstone save: %v", err)
	}

	resp, _ = http.Get(srv.URL + "/api/v1/messages/" + m.Hash)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cached live copy served after replicated tombstone: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHubPeersAPIAndOnConnectSync(t *testing.T) {
	oracle := identity.Permissive{}
	srvA, stA, _ := newHubNode(t, oracle)
	srvB, _, _ := newHubNode(t, oracle)

	// Seed B with one message A does not have.
	m := &models.Message{AccountID: "acct:bob", Text: "catch me up", Type: models.MessagePost, Timestamp: time.Now().Unix()}
	m.Hash = digest.MessageHash(m)
	res := decode[models.MessageResult](t, postJSON(t, srvB.URL+"/api/v1/messages", m))
	if res.Status != "accepted" {
		t.Fatalf("seed: %+v", res)
	}

	resp := postJSON(t, srvA.URL+"/api/v1/peers", map[string]string{"endpoint": srvB.URL})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add peer: %d", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := stA.GetMessage(m.Hash); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok, _ := stA.GetMessage(m.Hash); !ok {
		t.Fatalf("on-connect sync never pulled the message")
	}

	resp, _ = http.Get(srvA.URL + "/api/v1/sync/status")
	status := decode[map[string]any](t, resp)
	if status["peerCount"].(float64) != 1 {
		t.Fatalf("status = %v", status)
	}

	req, _ := http.NewRequest(http.MethodDelete, srvA.URL+"/api/v1/peers?endpoint="+srvB.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("remove peer: %v %d", err, resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHubPushPropagation(t *testing.T) {
	oracle := identity.Permissive{}
	srvA, _, dirA := newHubNode(t, oracle)
	srvB, stB, _ := newHubNode(t, oracle)
	dirA.Add(srvB.URL)

	m := &models.Message{AccountID: "acct:alice", Text: "spread the word", Type: models.MessagePost, Timestamp: time.Now().Unix()}
	m.Hash = digest.MessageHash(m)
	res := decode[models.MessageResult](t, postJSON(t, srvA.URL+"/api/v1/messages", m))
	if res.Status != "accepted" {
		t.Fatalf("submit: %+v", res)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := stB.GetMessage(m.Hash); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("propagation never reached the peer hub")
}

func TestHubRateLimit(t *testing.T) {
	st := openStore(t)
	val := validator.New(identity.Permissive{})
	h := NewHubServer(st, val, nil, peers.NewDirectory(nil), "hub-rl", false)
	srv := httptest.NewServer(h.Router(config.RateLimitConfig{RPS: 1, Burst: 2}))
	t.Cleanup(srv.Close)

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/sync/status")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
		resp.Body.Close()
	}
	if !limited {
		t.Fatalf("burst of requests never hit the limiter")
	}
}
