// Package metrics exposes prometheus counters for the call-coordination
// agent. Everything here is observational; no business logic may read it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	UploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phone_chunk_uploads_total",
		Help: "Audio chunk uploads that completed and produced a chunk row.",
	})

	UploadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phone_chunk_upload_failures_total",
		Help: "Audio chunk uploads that timed out or errored.",
	})

	ChunksPlayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phone_chunks_played_total",
		Help: "Cached counterpart chunks rendered by the playback engine.",
	})

	PlaybackStallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phone_playback_stalls_total",
		Help: "Chunks skipped by the stalled-playback watchdog.",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phone_reconnects_total",
		Help: "Offline-to-online transitions observed by the orchestrator.",
	})

	ForceEndedCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phone_force_ended_calls_total",
		Help: "Dangling calls force-ended during consistency cleanup.",
	})
)

// Handler serves the prometheus scrape endpoint on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
