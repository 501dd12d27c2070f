package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"socialmesh/pkg/digest"
	"socialmesh/pkg/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkMessage(t *testing.T, account, text string, ts int64) *models.Message {
	t.Helper()
	m := &models.Message{AccountID: account, Text: text, Timestamp: ts}
	m.Hash = digest.MessageHash(m)
	return m
}

func TestSaveMessageIdempotent(t *testing.T) {
	s := openStore(t)
	m := mkMessage(t, "acct:a", "hello", 100)
	if err := s.SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveMessage(m); err != nil {
		t.Fatalf("second save: %v", err)
	}
	n, err := s.MessageCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message after double store, got %d", n)
	}
	got, ok, err := s.GetMessage(m.Hash)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Text != "hello" || got.AccountID != "acct:a" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestDeleteMessageTombstone(t *testing.T) {
	s := openStore(t)
	m := mkMessage(t, "acct:a", "bye", 100)
	if err := s.SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteMessage(m.Hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, ok, _ := s.GetMessage(m.Hash)
	if !ok || !got.Deleted {
		t.Fatalf("tombstone not persisted: ok=%v msg=%+v", ok, got)
	}
	// tombstones replay through sync listings
	msgs, _, err := s.ListMessagesSince(0, 10, "")
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Deleted {
		t.Fatalf("sync listing must include tombstones: %+v", msgs)
	}
	// but not feed listings
	live, _, err := s.ListMessagesByAccount("acct:a", 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("deleted message visible in account listing")
	}
	// a replayed live copy must not resurrect the tombstone
	if err := s.SaveMessage(mkMessage(t, "acct:a", "bye", 100)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got2, _, _ := s.GetMessage(m.Hash)
	if !got2.Deleted {
		t.Fatal("tombstone overwritten by replayed live copy")
	}
}

func TestListMessagesByAccountPagination(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 5; i++ {
		m := mkMessage(t, "acct:a", fmt.Sprintf("m%d", i), int64(100+i))
		if err := s.SaveMessage(m); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	page1, cur, err := s.ListMessagesByAccount("acct:a", 2, "")
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 || page1[0].Text != "m4" || page1[1].Text != "m3" {
		t.Fatalf("page1 = %+v", page1)
	}
	if cur == "" {
		t.Fatal("expected continuation cursor")
	}

	// an insert between pages must not shift or repeat items
	if err := s.SaveMessage(mkMessage(t, "acct:a", "m5", 200)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	page2, _, err := s.ListMessagesByAccount("acct:a", 2, cur)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 2 || page2[0].Text != "m2" || page2[1].Text != "m1" {
		t.Fatalf("page2 = %+v", page2)
	}
}

func TestListMessagesSinceWatermark(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 4; i++ {
		if err := s.SaveMessage(mkMessage(t, "acct:a", fmt.Sprintf("s%d", i), int64(10*(i+1)))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	msgs, _, err := s.ListMessagesSince(20, 10, "")
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Timestamp != 30 || msgs[1].Timestamp != 40 {
		t.Fatalf("since(20) = %+v", msgs)
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	s := openStore(t)
	if err := s.SetWatermark("sync", 100); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetWatermark("sync", 50); err != nil {
		t.Fatalf("set lower: %v", err)
	}
	wm, err := s.GetWatermark("sync")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wm != 100 {
		t.Fatalf("watermark regressed: %d", wm)
	}
}

func TestAccountsAndProfiles(t *testing.T) {
	s := openStore(t)
	a := &models.Account{AccountID: "acct:1", Handle: "alice", CreatedAt: 1}
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(&models.Account{AccountID: "acct:2", Handle: "alice"}); err != ErrHandleTaken {
		t.Fatalf("duplicate handle: %v", err)
	}
	got, ok, _ := s.GetAccountByHandle("alice")
	if !ok || got.AccountID != "acct:1" {
		t.Fatalf("by handle: ok=%v %+v", ok, got)
	}
	if err := s.SaveProfile(&models.Profile{AccountID: "acct:1", Handle: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("profile: %v", err)
	}
	found, err := s.SearchProfiles("ali", 10)
	if err != nil || len(found) != 1 {
		t.Fatalf("search: %v %+v", err, found)
	}
	if err := s.MarkAccountMigrated("acct:1", "http://pds-2:4002", 99); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m, _, _ := s.GetAccount("acct:1")
	if m.MigratedTo != "http://pds-2:4002" {
		t.Fatalf("migration pointer not set: %+v", m)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := openStore(t)
	val := json.RawMessage(`{"text":"first post","createdAt":100}`)
	rec, err := s.CreateRecord("acct:1", models.CollectionPost, val, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.URI == "" || rec.CID == "" {
		t.Fatalf("uri/cid not derived: %+v", rec)
	}
	if rec.CID != digest.RecordCID(val) {
		t.Fatal("cid not content-derived")
	}
	got, ok, err := s.GetRecord(rec.URI)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got.Value) != string(val) {
		t.Fatalf("payload mismatch: %s", got.Value)
	}
}

func TestFollowEdges(t *testing.T) {
	s := openStore(t)
	f, _ := json.Marshal(models.Follow{Subject: "acct:2", CreatedAt: 10})
	if _, err := s.CreateRecord("acct:1", models.CollectionFollow, f, 10); err != nil {
		t.Fatalf("create follow: %v", err)
	}
	// second follow of the same subject keeps a single active edge
	if _, err := s.CreateRecord("acct:1", models.CollectionFollow, f, 11); err != nil {
		t.Fatalf("refollow: %v", err)
	}
	subjects, err := s.ListFollows("acct:1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subjects) != 1 || subjects[0] != "acct:2" {
		t.Fatalf("follows = %v", subjects)
	}
	if err := s.DeleteFollow("acct:1", "acct:2"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	subjects, _ = s.ListFollows("acct:1")
	if len(subjects) != 0 {
		t.Fatalf("edge survived unfollow: %v", subjects)
	}
}

func TestListRecordsSince(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 3; i++ {
		v := json.RawMessage(fmt.Sprintf(`{"text":"r%d"}`, i))
		if _, err := s.CreateRecord("acct:1", models.CollectionPost, v, int64(i*10)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	recs, _, err := s.ListRecordsSince(10, 10, "")
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("since(10) = %d records", len(recs))
	}
	latest, err := s.LatestRecordTimestamp()
	if err != nil || latest != 30 {
		t.Fatalf("latest = %d err=%v", latest, err)
	}
}

func TestExportAccount(t *testing.T) {
	s := openStore(t)
	if err := s.CreateAccount(&models.Account{AccountID: "acct:1", Handle: "alice"}); err != nil {
		t.Fatalf("account: %v", err)
	}
	_ = s.SaveProfile(&models.Profile{AccountID: "acct:1", Handle: "alice"})
	if _, err := s.CreateRecord("acct:1", models.CollectionPost, json.RawMessage(`{"text":"p"}`), 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	exp, err := s.ExportAccount("acct:1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exp.Account.Handle != "alice" || len(exp.Records) != 1 || exp.Profile == nil {
		t.Fatalf("export = %+v", exp)
	}
}

func TestListMessagesByAccountsMerge(t *testing.T) {
	s := openStore(t)
	// Interleaved timestamps across two authors.
	for i, spec := range []struct {
		acct string
		ts   int64
	}{
		{"acct:alice", 100}, {"acct:bob", 101}, {"acct:alice", 102},
		{"acct:bob", 103}, {"acct:alice", 104},
	} {
		if err := s.SaveMessage(mkMessage(t, spec.acct, fmt.Sprintf("m%d", i), spec.ts)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	// Unrelated author must not leak in.
	if err := s.SaveMessage(mkMessage(t, "acct:carol", "other", 105)); err != nil {
		t.Fatalf("save carol: %v", err)
	}

	accounts := []string{"acct:alice", "acct:bob"}
	var got []int64
	cursor := ""
	for {
		page, next, err := s.ListMessagesByAccounts(accounts, 2, cursor)
		if err != nil {
			t.Fatalf("batch list: %v", err)
		}
		for _, m := range page {
			if m.AccountID == "acct:carol" {
				t.Fatalf("unrelated author leaked into batch")
			}
			got = append(got, m.Timestamp)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	want := []int64{104, 103, 102, 101, 100}
	if len(got) != len(want) {
		t.Fatalf("merged %d messages, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestListMessagesByAccountsLimitCountsFeedItems(t *testing.T) {
	s := openStore(t)
	// Posts with likes interleaved between them. Likes ride along
	// without counting toward the limit, so small pages still hand out
	// every post and the cursor never jumps past one.
	var posts []string
	for i := 0; i < 4; i++ {
		p := mkMessage(t, "acct:a", fmt.Sprintf("p%d", i), int64(100+2*i))
		if err := s.SaveMessage(p); err != nil {
			t.Fatalf("save post %d: %v", i, err)
		}
		posts = append(posts, p.Hash)
		lk := &models.Message{AccountID: "acct:a", Type: models.MessageLike, ParentHash: p.Hash, Timestamp: int64(100 + 2*i + 1)}
		lk.Hash = digest.MessageHash(lk)
		if err := s.SaveMessage(lk); err != nil {
			t.Fatalf("save like %d: %v", i, err)
		}
	}

	var gotPosts, gotLikes []string
	cursor := ""
	for i := 0; ; i++ {
		if i > 20 {
			t.Fatal("cursor never drained")
		}
		page, next, err := s.ListMessagesByAccounts([]string{"acct:a"}, 1, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		for _, m := range page {
			if m.Type == models.MessageLike {
				gotLikes = append(gotLikes, m.Hash)
			} else {
				gotPosts = append(gotPosts, m.Hash)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	want := []string{posts[3], posts[2], posts[1], posts[0]}
	if len(gotPosts) != len(want) {
		t.Fatalf("paged out %d posts, want %d: %v", len(gotPosts), len(want), gotPosts)
	}
	for i := range want {
		if gotPosts[i] != want[i] {
			t.Fatalf("post order mismatch at %d: got %v want %v", i, gotPosts, want)
		}
	}
	if len(gotLikes) != 4 {
		t.Fatalf("likes in the window did not ride along: %v", gotLikes)
	}
}

func TestCreateAccountConcurrentHandleClaim(t *testing.T) {
	s := openStore(t)
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.CreateAccount(&models.Account{AccountID: fmt.Sprintf("acct:%d", i), Handle: "alice"})
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch err {
		case nil:
			if winner != -1 {
				t.Fatalf("accounts %d and %d both claimed the handle", winner, i)
			}
			winner = i
		case ErrHandleTaken:
		default:
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if winner == -1 {
		t.Fatal("no create succeeded")
	}
	got, ok, err := s.GetAccountByHandle("alice")
	if err != nil || !ok {
		t.Fatalf("by handle: ok=%v err=%v", ok, err)
	}
	if got.AccountID != fmt.Sprintf("acct:%d", winner) {
		t.Fatalf("handle maps to %s, winner was acct:%d", got.AccountID, winner)
	}
}
