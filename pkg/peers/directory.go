// Package peers tracks the peer endpoints a node reconciles with.
// Membership is explicit mutable state behind a lock; engines take a
// snapshot once per pass so mid-pass membership changes never race with
// iteration.
package peers

import (
	"sort"
	"sync"
	"time"

	"socialmesh/pkg/logger"
)

// Peer is one known endpoint plus bookkeeping for backoff.
type Peer struct {
	Endpoint string `json:"endpoint"`
	AddedAt  int64  `json:"addedAt"`
	// LastError and NextAttempt drive retry backoff for dead peers.
	LastError   string `json:"lastError,omitempty"`
	FailStreak  int    `json:"failStreak,omitempty"`
	NextAttempt int64  `json:"nextAttempt,omitempty"`
}

type Directory struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewDirectory(seed []string) *Directory {
	d := &Directory{peers: make(map[string]*Peer)}
	for _, ep := range seed {
		d.Add(ep)
	}
	return d
}

// Add registers an endpoint; adding an existing endpoint resets its
// backoff. Returns true when the peer is new.
func (d *Directory) Add(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[endpoint]; ok {
		p.FailStreak = 0
		p.NextAttempt = 0
		p.LastError = ""
		return false
	}
	d.peers[endpoint] = &Peer{Endpoint: endpoint, AddedAt: time.Now().Unix()}
	logger.Info("peer_added", "endpoint", endpoint)
	return true
}

func (d *Directory) Remove(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, endpoint)
	logger.Info("peer_removed", "endpoint", endpoint)
}

// Snapshot returns a stable copy of current membership sorted by
// endpoint. Engines iterate the snapshot, never the live map.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// ReportFailure records a failed exchange and schedules the next attempt
// with doubling backoff capped at maxBackoff.
func (d *Directory) ReportFailure(endpoint string, err error) {
	const maxBackoff = 30 * time.Minute
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[endpoint]
	if !ok {
		return
	}
	p.FailStreak++
	p.LastError = err.Error()
	// Clamp the shift: past 32m the doubling is already over the cap,
	// and long streaks would overflow into negative durations.
	shift := p.FailStreak - 1
	if shift > 5 {
		shift = 5
	}
	backoff := time.Minute << uint(shift)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	p.NextAttempt = time.Now().Add(backoff).Unix()
}

// ReportSuccess clears backoff state after a clean exchange.
func (d *Directory) ReportSuccess(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[endpoint]; ok {
		p.FailStreak = 0
		p.LastError = ""
		p.NextAttempt = 0
	}
}

// Due reports whether the peer's backoff window has elapsed.
func (p *Peer) Due(now time.Time) bool {
	return p.NextAttempt == 0 || now.Unix() >= p.NextAttempt
}
