// Package metrics registers the adapter's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssociationsActive tracks currently open inbound associations.
	AssociationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicom_adapter",
		Subsystem: "scp",
		Name:      "associations_active",
		Help:      "Number of currently open inbound associations.",
	})

	// AssociationsRejected counts rejected association requests by reason.
	AssociationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_adapter",
		Subsystem: "scp",
		Name:      "associations_rejected_total",
		Help:      "Association requests rejected, by reason.",
	}, []string{"reason"})

	// InstancesReceived counts stored instances by called AE title.
	InstancesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_adapter",
		Subsystem: "scp",
		Name:      "instances_received_total",
		Help:      "SOP instances stored, by called AE title.",
	}, []string{"called_ae"})

	// InstancesRefused counts C-STORE requests refused by policy.
	InstancesRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_adapter",
		Subsystem: "scp",
		Name:      "instances_refused_total",
		Help:      "C-STORE requests refused, by reason.",
	}, []string{"reason"})

	// BucketsOpen tracks open grouping buckets.
	BucketsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicom_adapter",
		Subsystem: "grouping",
		Name:      "buckets_open",
		Help:      "Grouping buckets currently accumulating instances.",
	})

	// BucketsCompleted counts completed buckets by trigger.
	BucketsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_adapter",
		Subsystem: "grouping",
		Name:      "buckets_completed_total",
		Help:      "Grouping buckets completed, by trigger (quiet or max_age).",
	}, []string{"trigger"})

	// JobsSubmitted counts platform job submissions by outcome.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_adapter",
		Subsystem: "submit",
		Name:      "jobs_total",
		Help:      "Platform job submissions, by outcome.",
	}, []string{"outcome"})

	// SubmitDuration observes end-to-end job submission latency.
	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dicom_adapter",
		Subsystem: "submit",
		Name:      "duration_seconds",
		Help:      "Job submission latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RequestsByState counts inference request transitions by target state.
	RequestsByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_adapter",
		Subsystem: "requests",
		Name:      "transitions_total",
		Help:      "Inference request state transitions, by target state.",
	}, []string{"state"})

	// RetrievalDuration observes retrieval latency by protocol.
	RetrievalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dicom_adapter",
		Subsystem: "retrieve",
		Name:      "duration_seconds",
		Help:      "Input retrieval latency in seconds, by protocol.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"protocol"})

	// StagingBytes tracks accounted staging usage.
	StagingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicom_adapter",
		Subsystem: "staging",
		Name:      "used_bytes",
		Help:      "Accounted bytes in the staging area.",
	})
)
