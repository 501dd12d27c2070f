// Package metrics registers the node's counters on the default
// prometheus registry, exposed by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socialmesh_messages_accepted_total",
		Help: "Messages that passed validation and were stored.",
	})
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialmesh_messages_rejected_total",
		Help: "Messages rejected at validation, by protocol code.",
	}, []string{"code"})

	SyncRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socialmesh_sync_rounds_total",
		Help: "Completed hub sync passes.",
	})
	SyncMessagesPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socialmesh_sync_messages_pulled_total",
		Help: "Messages pulled from peer hubs during sync.",
	})
	SyncPeerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socialmesh_sync_peer_failures_total",
		Help: "Peer sessions that failed during a sync pass.",
	})

	ReplicationPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialmesh_replication_pushes_total",
		Help: "Outbound replication pushes, by item type and outcome.",
	}, []string{"type", "outcome"})

	FanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialmesh_fanout_failures_total",
		Help: "Upstream failures during gateway fan-out, by upstream kind.",
	}, []string{"kind"})
)
