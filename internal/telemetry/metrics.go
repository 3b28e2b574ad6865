package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codeduel",
		Name:      "matchmaking_queue_size",
		Help:      "Number of users waiting for an opponent.",
	})

	MatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeduel",
		Name:      "matches_started_total",
		Help:      "Number of matches created by the pairing loop.",
	})

	PairingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeduel",
		Name:      "pairing_failures_total",
		Help:      "Pairing attempts that returned users to the pool.",
	}, []string{"reason"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeduel",
		Name:      "settlements_total",
		Help:      "Settlement attempts by reason and outcome.",
	}, []string{"reason", "outcome"})

	SubmissionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codeduel",
		Name:      "submissions_in_flight",
		Help:      "Submissions accepted but not judged yet, as seen by this instance.",
	})

	JudgeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeduel",
		Name:      "judge_duration_seconds",
		Help:      "Time spent judging a submission, by verdict.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"verdict"})
)
