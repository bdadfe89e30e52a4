// Package submit turns completed instance groups into inference platform
// jobs.
package submit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/metrics"
)

// JobPriority is the platform-side priority class.
type JobPriority string

const (
	PriorityLower     JobPriority = "LOWER"
	PriorityNormal    JobPriority = "NORMAL"
	PriorityHigher    JobPriority = "HIGHER"
	PriorityImmediate JobPriority = "IMMEDIATE"
)

// MapPriority translates a DICOM priority byte into a platform priority
// class. The mapping is total over all 256 values.
func MapPriority(p uint8) JobPriority {
	switch {
	case p < 128:
		return PriorityLower
	case p == 128:
		return PriorityNormal
	case p == 255:
		return PriorityImmediate
	default:
		return PriorityHigher
	}
}

const maxJobNameLen = 63

// JobName derives a platform job name from the pipeline name and submission
// time. The result matches {name}-{DD-HHMMSS} in UTC, restricted to
// [A-Za-z0-9-_] and capped at 63 characters with the suffix preserved.
func JobName(pipeline string, now time.Time) string {
	suffix := now.UTC().Format("-02-150405")
	base := sanitizeJobName(pipeline)
	if base == "" {
		base = "job"
	}
	if len(base)+len(suffix) > maxJobNameLen {
		base = base[:maxJobNameLen-len(suffix)]
	}
	return base + suffix
}

func sanitizeJobName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Job is one submission to the inference platform.
type Job struct {
	Name       string
	PipelineID string
	Priority   JobPriority
	// PayloadDir holds the staged instances to upload as the job input.
	PayloadDir string
}

// Receipt identifies a successfully submitted job.
type Receipt struct {
	JobID     string
	PayloadID string
}

// Platform is the inference platform client surface used by the submitter.
type Platform interface {
	// CreateJob registers the job and returns its platform identifier.
	CreateJob(ctx context.Context, job Job) (string, error)
	// UploadPayload pushes the staged instances into the created job and
	// returns the payload identifier.
	UploadPayload(ctx context.Context, jobID, payloadDir string) (string, error)
	// StartJob starts a created and populated job.
	StartJob(ctx context.Context, jobID string) error
}

// Submitter drives the create, upload, start sequence behind a circuit
// breaker shielding a struggling platform. Each call is a single attempt;
// retry scheduling belongs to the callers (the grouping emission backoff
// and the worker's durable requeue), so retry budgets never stack.
type Submitter struct {
	platform Platform
	breaker  *gobreaker.CircuitBreaker
	log      *logrus.Entry
}

// NewSubmitter wraps a platform client.
func NewSubmitter(platform Platform, log *logrus.Entry) *Submitter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "inference-platform",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("platform circuit breaker state change")
		},
	})
	return &Submitter{
		platform: platform,
		breaker:  breaker,
		log:      log,
	}
}

// Submit runs the full submission sequence once. Failures keep their
// transient or permanent classification for the caller's retry policy;
// a tripped breaker reads as transient.
func (s *Submitter) Submit(ctx context.Context, job Job) (*Receipt, error) {
	start := time.Now()
	log := s.log.WithFields(logrus.Fields{
		"job":      job.Name,
		"pipeline": job.PipelineID,
		"priority": string(job.Priority),
	})

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.submitOnce(ctx, job)
	})

	metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = adperrors.E(adperrors.KindTransientRemote, "submit", err)
		}
		metrics.JobsSubmitted.WithLabelValues("failure").Inc()
		log.WithError(err).Warn("job submission failed")
		return nil, fmt.Errorf("submitting job %q: %w", job.Name, err)
	}

	receipt := result.(*Receipt)
	metrics.JobsSubmitted.WithLabelValues("success").Inc()
	log.WithField("job_id", receipt.JobID).Info("job submitted")
	return receipt, nil
}

func (s *Submitter) submitOnce(ctx context.Context, job Job) (*Receipt, error) {
	jobID, err := s.platform.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	payloadID, err := s.platform.UploadPayload(ctx, jobID, job.PayloadDir)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := s.platform.StartJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return &Receipt{JobID: jobID, PayloadID: payloadID}, nil
}
