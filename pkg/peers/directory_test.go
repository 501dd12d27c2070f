package peers

import (
	"errors"
	"testing"
	"time"
)

func TestDirectoryAddRemove(t *testing.T) {
	d := NewDirectory([]string{"http://a:8080", "http://b:8080"})
	if d.Len() != 2 {
		t.Fatalf("len = %d, want 2", d.Len())
	}
	if d.Add("http://a:8080") {
		t.Fatalf("re-adding existing peer reported as new")
	}
	if !d.Add("http://c:8080") {
		t.Fatalf("new peer not reported as new")
	}
	d.Remove("http://b:8080")
	snap := d.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Endpoint != "http://a:8080" || snap[1].Endpoint != "http://c:8080" {
		t.Fatalf("snapshot not sorted: %+v", snap)
	}
}

func TestDirectorySnapshotIsCopy(t *testing.T) {
	d := NewDirectory([]string{"http://a:8080"})
	snap := d.Snapshot()
	d.Remove("http://a:8080")
	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later removal")
	}
}

func TestDirectoryBackoff(t *testing.T) {
	d := NewDirectory([]string{"http://a:8080"})
	now := time.Now()

	snap := d.Snapshot()
	if !snap[0].Due(now) {
		t.Fatalf("fresh peer should be due")
	}

	d.ReportFailure("http://a:8080", errors.New("connect refused"))
	snap = d.Snapshot()
	if snap[0].FailStreak != 1 || snap[0].LastError == "" {
		t.Fatalf("failure not recorded: %+v", snap[0])
	}
	if snap[0].Due(now) {
		t.Fatalf("failed peer should back off")
	}
	if !snap[0].Due(now.Add(2 * time.Minute)) {
		t.Fatalf("one failure should back off about a minute")
	}

	d.ReportSuccess("http://a:8080")
	snap = d.Snapshot()
	if snap[0].FailStreak != 0 || snap[0].NextAttempt != 0 {
		t.Fatalf("success did not clear backoff: %+v", snap[0])
	}

	// Re-adding a failed peer also clears backoff.
	d.ReportFailure("http://a:8080", errors.New("timeout"))
	d.Add("http://a:8080")
	snap = d.Snapshot()
	if snap[0].FailStreak != 0 {
		t.Fatalf("re-add did not reset backoff: %+v", snap[0])
	}
}

func TestDirectoryBackoffLongStreak(t *testing.T) {
	d := NewDirectory([]string{"http://a:8080"})
	// A peer dead for days racks up a long streak; the backoff must
	// stay pinned at the cap, not wrap around and vanish.
	for i := 0; i < 64; i++ {
		d.ReportFailure("http://a:8080", errors.New("connect refused"))
	}
	now := time.Now()
	snap := d.Snapshot()
	if snap[0].Due(now) {
		t.Fatalf("long streak disabled backoff: %+v", snap[0])
	}
	if !snap[0].Due(now.Add(31 * time.Minute)) {
		t.Fatalf("backoff exceeded the cap: %+v", snap[0])
	}
}
