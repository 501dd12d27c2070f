package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"socialmesh/pkg/aggregate"
	"socialmesh/pkg/config"
	"socialmesh/pkg/digest"
	"socialmesh/pkg/gateway"
	"socialmesh/pkg/identity"
	"socialmesh/pkg/models"
	"socialmesh/pkg/store"
)

// stack wires a complete deployment slice behind httptest servers: one
// or more hubs, one personal data server, and a gateway reading from
// all of them.
type stack struct {
	gw       *httptest.Server
	pds      *httptest.Server
	pdsStore *store.Store
	hubs     []*httptest.Server
	stores   []*store.Store
}

func newStack(t *testing.T, oracle identity.Oracle, nHubs int) *stack {
	t.Helper()
	s := &stack{}
	var hubURLs []string
	for i := 0; i < nHubs; i++ {
		srv, st, _ := newHubNode(t, oracle)
		s.hubs = append(s.hubs, srv)
		s.stores = append(s.stores, st)
		hubURLs = append(hubURLs, srv.URL)
	}
	s.pds, s.pdsStore = newPDSNode(t, "pds-stack", nil)

	pdsClient := aggregate.NewPDSClient(2 * time.Second)
	agg := aggregate.New(hubURLs, 2*time.Second, nil)
	resolver := aggregate.NewResolver([]string{s.pds.URL}, pdsClient, time.Minute)
	svc := gateway.New(agg, resolver, pdsClient, []string{s.pds.URL})
	s.gw = httptest.NewServer(NewGatewayServer(svc).Router(config.RateLimitConfig{RPS: 1000, Burst: 1000}))
	t.Cleanup(s.gw.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// signedPost builds the request a well-behaved client sends: the hash is
// computed over the canonical message and signed before submission.
func signedPost(t *testing.T, s *signer, text string, ts int64) *gateway.CreatePostRequest {
	t.Helper()
	m := s.message(t, text, ts)
	return &gateway.CreatePostRequest{
		AccountID:  m.AccountID,
		Text:       m.Text,
		Type:       m.Type,
		Timestamp:  m.Timestamp,
		Signature:  m.Signature,
		SigningKey: m.SigningKey,
	}
}

func TestStackPostReachesFollowerFeed(t *testing.T) {
	oracle := identity.NewStatic()
	st := newStack(t, oracle, 1)

	aliceID := createAccount(t, st.pds.URL, "alice")
	bobID := createAccount(t, st.pds.URL, "bob")
	alice := newSigner(t, aliceID)
	oracle.Register(aliceID, alice.pub)
	oracle.Register(bobID)

	resp := postJSON(t, st.gw.URL+"/api/v1/follows", map[string]string{
		"account": bobID, "subject": aliceID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("follow: %d", resp.StatusCode)
	}
	resp.Body.Close()

	res := decode[models.MessageResult](t, postJSON(t, st.gw.URL+"/api/v1/posts", signedPost(t, alice, "hello from alice", time.Now().Unix())))
	if res.Status != "accepted" {
		t.Fatalf("post = %+v", res)
	}

	resp, err := http.Get(st.gw.URL + "/api/v1/feed?account=" + bobID)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	feed := decode[models.Feed](t, resp)
	if len(feed.Posts) != 1 || feed.Posts[0].Text != "hello from alice" {
		t.Fatalf("feed = %+v", feed)
	}
	if feed.Incomplete {
		t.Fatalf("healthy stack produced an incomplete feed")
	}

	// The accepted post is mirrored into alice's repository.
	waitFor(t, "post write-through", func() bool {
		recs, _, err := st.pdsStore.ListRecords(aliceID, models.CollectionPost, 10, "")
		return err == nil && len(recs) == 1
	})
}

func TestStackForgedSignerRejectedEndToEnd(t *testing.T) {
	oracle := identity.NewStatic()
	st := newStack(t, oracle, 1)

	aliceID := createAccount(t, st.pds.URL, "alice")
	alice := newSigner(t, aliceID)
	oracle.Register(aliceID, alice.pub)

	// Mallory signs correctly with a key the registry never authorized
	// for alice.
	mallory := newSigner(t, aliceID)
	res := decode[models.MessageResult](t, postJSON(t, st.gw.URL+"/api/v1/posts", signedPost(t, mallory, "impostor", time.Now().Unix())))
	if res.Status != "rejected" {
		t.Fatalf("forged post accepted: %+v", res)
	}
	if msgs, _, _ := st.stores[0].ListMessagesByAccount(aliceID, 10, ""); len(msgs) != 0 {
		t.Fatalf("forged message persisted")
	}
}

func TestStackReactionCounts(t *testing.T) {
	oracle := identity.NewStatic()
	st := newStack(t, oracle, 1)

	aliceID := createAccount(t, st.pds.URL, "alice")
	bobID := createAccount(t, st.pds.URL, "bob")
	alice := newSigner(t, aliceID)
	bob := newSigner(t, bobID)
	oracle.Register(aliceID, alice.pub)
	oracle.Register(bobID, bob.pub)

	postJSON(t, st.gw.URL+"/api/v1/follows", map[string]string{"account": bobID, "subject": aliceID}).Body.Close()

	post := signedPost(t, alice, "like this", time.Now().Unix()-10)
	res := decode[models.MessageResult](t, postJSON(t, st.gw.URL+"/api/v1/posts", post))
	if res.Status != "accepted" {
		t.Fatalf("post = %+v", res)
	}

	like := &models.Message{AccountID: bobID, Type: models.MessageLike, ParentHash: res.Hash, Timestamp: time.Now().Unix()}
	like.Hash = digest.MessageHash(like)
	sig, err := digest.Sign(like.Hash, bob.priv)
	if err != nil {
		t.Fatalf("sign like: %v", err)
	}
	likeRes := decode[models.MessageResult](t, postJSON(t, st.gw.URL+"/api/v1/reactions", map[string]any{
		"accountId":  bobID,
		"targetHash": res.Hash,
		"type":       models.MessageLike,
		"timestamp":  like.Timestamp,
		"signature":  sig,
		"signingKey": bob.pub,
	}))
	if likeRes.Status != "accepted" {
		t.Fatalf("like = %+v", likeRes)
	}

	resp, _ := http.Get(st.gw.URL + "/api/v1/feed?account=" + bobID)
	feed := decode[models.Feed](t, resp)
	if len(feed.Posts) != 1 {
		t.Fatalf("reactions must not appear as feed items: %+v", feed.Posts)
	}
	if feed.Posts[0].Reactions[models.MessageLike] != 1 {
		t.Fatalf("reactions = %v", feed.Posts[0].Reactions)
	}
}

func TestStackFeedIncompleteWhenHubDown(t *testing.T) {
	oracle := identity.NewStatic()
	st := newStack(t, oracle, 2)

	aliceID := createAccount(t, st.pds.URL, "alice")
	alice := newSigner(t, aliceID)
	oracle.Register(aliceID, alice.pub)

	res := decode[models.MessageResult](t, postJSON(t, st.gw.URL+"/api/v1/posts", signedPost(t, alice, "still here", time.Now().Unix())))
	if res.Status != "accepted" {
		t.Fatalf("post = %+v", res)
	}

	st.hubs[1].Close()

	resp, _ := http.Get(st.gw.URL + "/api/v1/feed?account=" + aliceID)
	feed := decode[models.Feed](t, resp)
	if !feed.Incomplete {
		t.Fatalf("degraded fan-out not flagged: %+v", feed)
	}
	if len(feed.Posts) != 1 || feed.Posts[0].Text != "still here" {
		t.Fatalf("surviving hub's posts missing: %+v", feed.Posts)
	}
}

func TestStackHubConvergenceThroughPeering(t *testing.T) {
	oracle := identity.NewStatic()
	aliceID := "acct:alice-peered"
	alice := newSigner(t, aliceID)
	oracle.Register(aliceID, alice.pub)

	srvA, _, _ := newHubNode(t, oracle)
	srvB, stB, _ := newHubNode(t, oracle)

	// A learns about B through the peers API and pushes new messages.
	resp := postJSON(t, srvA.URL+"/api/v1/peers", map[string]string{"endpoint": srvB.URL})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add peer: %d", resp.StatusCode)
	}
	resp.Body.Close()

	m := alice.message(t, "travels the mesh", time.Now().Unix())
	res := decode[models.MessageResult](t, postJSON(t, srvA.URL+"/api/v1/messages", m))
	if res.Status != "accepted" {
		t.Fatalf("submit = %+v", res)
	}
	waitFor(t, "propagation to peer", func() bool {
		_, ok, _ := stB.GetMessage(m.Hash)
		return ok
	})

	// A gateway reading only the peer sees the post.
	pdsClient := aggregate.NewPDSClient(2 * time.Second)
	agg := aggregate.New([]string{srvB.URL}, 2*time.Second, nil)
	svc := gateway.New(agg, nil, pdsClient, nil)
	post, err := svc.GetPost(t.Context(), m.Hash)
	if err != nil || post.Text != "travels the mesh" {
		t.Fatalf("post via peer: %+v, %v", post, err)
	}
}

func TestStackMigrationResolvedThroughGateway(t *testing.T) {
	srvB, stB := newPDSNode(t, "pds-new", nil)
	srvA, _ := newPDSNode(t, "pds-old", []string{srvB.URL})

	aliceID := createAccount(t, srvA.URL, "alice")
	waitFor(t, "account replication", func() bool {
		_, ok, _ := stB.GetAccount(aliceID)
		return ok
	})

	resp := postJSON(t, srvA.URL+"/xrpc/com.atproto.server.migrateAccount", map[string]string{
		"accountId":   aliceID,
		"newEndpoint": srvB.URL,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("migrate: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The gateway only knows the old server; resolution follows the
	// forwarding pointer to the new one.
	pdsClient := aggregate.NewPDSClient(2 * time.Second)
	resolver := aggregate.NewResolver([]string{srvA.URL}, pdsClient, time.Minute)
	svc := gateway.New(nil, resolver, pdsClient, []string{srvA.URL, srvB.URL})
	gw := httptest.NewServer(NewGatewayServer(svc).Router(config.RateLimitConfig{RPS: 1000, Burst: 1000}))
	defer gw.Close()

	get, err := http.Get(gw.URL + "/api/v1/profiles/" + aliceID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	prof := decode[models.Profile](t, get)
	if prof.Handle != "alice" {
		t.Fatalf("profile = %+v", prof)
	}
}

func TestFeedPaginationDeliversEveryPost(t *testing.T) {
	oracle := identity.Permissive{}
	srv, _, _ := newHubNode(t, oracle)

	// Four posts, each immediately liked, so reaction messages share
	// the paging window with the posts they target.
	now := time.Now().Unix()
	var hashes []string
	for i := 0; i < 4; i++ {
		m := &models.Message{AccountID: "acct:alice", Text: fmt.Sprintf("page walk %d", i), Type: models.MessagePost, Timestamp: now + int64(2*i)}
		m.Hash = digest.MessageHash(m)
		res := decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", m))
		if res.Status != "accepted" {
			t.Fatalf("seed post %d: %+v", i, res)
		}
		hashes = append(hashes, m.Hash)

		lk := &models.Message{AccountID: "acct:bob", Type: models.MessageLike, ParentHash: m.Hash, Timestamp: now + int64(2*i) + 1}
		lk.Hash = digest.MessageHash(lk)
		res = decode[models.MessageResult](t, postJSON(t, srv.URL+"/api/v1/messages", lk))
		if res.Status != "accepted" {
			t.Fatalf("seed like %d: %+v", i, res)
		}
	}

	// Walking the feed one post at a time must surface all four, newest
	// first, with no post lost between pages.
	agg := aggregate.New([]string{srv.URL}, 2*time.Second, nil)
	accounts := []string{"acct:alice", "acct:bob"}
	var got []string
	cursor := ""
	for i := 0; ; i++ {
		if i > 20 {
			t.Fatal("feed cursor never drained")
		}
		feed, err := agg.FetchTimeline(t.Context(), accounts, models.FeedChronological, 1, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if feed.Incomplete {
			t.Fatalf("page %d marked incomplete with the hub healthy", i)
		}
		for _, p := range feed.Posts {
			got = append(got, p.Hash)
			if p.Reactions[models.MessageLike] != 1 {
				t.Fatalf("post %s lost its like across pages: %v", p.Hash, p.Reactions)
			}
		}
		if feed.Cursor == "" {
			break
		}
		cursor = feed.Cursor
	}
	want := []string{hashes[3], hashes[2], hashes[1], hashes[0]}
	if len(got) != len(want) {
		t.Fatalf("paging returned %v, want all of %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("page order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}
