// Package grouping composes stored instances into jobs. Instances arriving
// on a called AE accumulate in buckets keyed by that AE's grouping rule; a
// sliding quiet-period timer closes a bucket after a pause in arrivals, and
// a max-age cap bounds how long a busy bucket can stay open.
package grouping

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/events"
	"github.com/radbridge/dicom-adapter/metrics"
	"github.com/radbridge/dicom-adapter/registry"
)

// Trigger names what closed a bucket.
type Trigger string

const (
	TriggerQuiet  Trigger = "quiet"
	TriggerMaxAge Trigger = "max_age"
	TriggerFlush  Trigger = "flush"
)

// JobRequest is one emission of a closed bucket for one pipeline.
type JobRequest struct {
	PipelineName     string
	PipelineID       string
	Priority         uint8
	CalledAETitle    string
	PatientID        string
	StudyInstanceUID string
	Trigger          Trigger
	// Manifest lists the staged file paths, ordered by receive time with
	// ties broken by SOP instance UID.
	Manifest  []string
	Instances []events.Instance
}

// Emitter receives one job per pipeline when a bucket closes.
type Emitter interface {
	Emit(ctx context.Context, job JobRequest) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, job JobRequest) error

func (f EmitterFunc) Emit(ctx context.Context, job JobRequest) error { return f(ctx, job) }

// BucketFailure describes a bucket whose emission exhausted its retries.
// Staged files are retained for the retention reaper.
type BucketFailure struct {
	Key           string
	CalledAETitle string
	PipelineID    string
	InstanceUIDs  []string
	FailedAt      time.Time
	Reason        string
}

// FailureRecorder persists bucket failures for operator inspection.
type FailureRecorder interface {
	RecordBucketFailure(ctx context.Context, failure BucketFailure) error
}

type bucket struct {
	key            string
	calledAE       *registry.CalledAE
	callingAETitle string
	createdAt      time.Time
	lastInstanceAt time.Time
	// byUID collapses duplicate deliveries of the same SOP instance.
	byUID map[string]events.Instance
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Engine is the grouping engine. Add is safe for concurrent use; Run must be
// started once for timers to fire.
type Engine struct {
	registry *registry.Registry
	emitter  Emitter
	failures FailureRecorder
	log      *logrus.Entry

	shards [shardCount]*shard

	timerMu sync.Mutex
	timers  delayQueue
	wake    chan struct{}

	emitWG    sync.WaitGroup
	baseDelay time.Duration
	now       func() time.Time
}

// New builds an engine. The failure recorder may be nil.
func New(reg *registry.Registry, emitter Emitter, failures FailureRecorder, log *logrus.Entry) *Engine {
	e := &Engine{
		registry:  reg,
		emitter:   emitter,
		failures:  failures,
		log:       log,
		wake:      make(chan struct{}, 1),
		baseDelay: time.Second,
		now:       time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return e
}

func (e *Engine) shardFor(key string) *shard {
	return e.shards[xxhash.Sum64String(key)%shardCount]
}

// key derives the bucket key for an instance under its called AE's rule.
func bucketKey(ae *registry.CalledAE, inst events.Instance) string {
	switch ae.Grouping {
	case registry.GroupNone:
		return ae.AETitle + "|" + uuid.NewString()
	case registry.GroupPatientID:
		return ae.AETitle + "|pid|" + inst.Attributes.PatientID
	case registry.GroupCallingAET:
		return ae.AETitle + "|aet|" + inst.CallingAETitle
	default:
		return ae.AETitle + "|study|" + inst.Attributes.StudyInstanceUID
	}
}

// Add routes one stored instance into its bucket. Instances for unknown
// called AEs are dropped; the SCP rejects those before storage, so this only
// happens when configuration shrinks between storage and grouping.
func (e *Engine) Add(inst events.Instance) {
	ae, ok := e.registry.CalledAE(inst.CalledAETitle)
	if !ok {
		e.log.WithField("called_ae", inst.CalledAETitle).Warn("instance for unconfigured AE dropped by grouping")
		return
	}

	key := bucketKey(ae, inst)
	now := e.now()
	sh := e.shardFor(key)

	sh.mu.Lock()
	b, exists := sh.buckets[key]
	if !exists {
		b = &bucket{
			key:            key,
			calledAE:       ae,
			callingAETitle: inst.CallingAETitle,
			createdAt:      now,
			byUID:          make(map[string]events.Instance),
		}
		sh.buckets[key] = b
		metrics.BucketsOpen.Inc()
	}
	b.lastInstanceAt = now
	if _, dup := b.byUID[inst.Attributes.SOPInstanceUID]; !dup {
		b.byUID[inst.Attributes.SOPInstanceUID] = inst
	}
	sh.mu.Unlock()

	// Sliding quiet period: every arrival schedules a fresh check. Earlier
	// entries fire and find the bucket not yet quiet.
	e.schedule(key, now.Add(ae.QuietPeriod))
	if !exists {
		e.schedule(key, now.Add(ae.MaxAge))
	}
}

func (e *Engine) schedule(key string, at time.Time) {
	e.timerMu.Lock()
	e.timers.push(timerEntry{key: key, at: at})
	e.timerMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run fires bucket timers until ctx is done, then flushes remaining buckets
// whose quiet period has elapsed and waits for in-flight emissions.
func (e *Engine) Run(ctx context.Context) error {
	for {
		e.timerMu.Lock()
		next, ok := e.timers.peek()
		e.timerMu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			d := time.Until(next.at)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.Flush(context.Background())
			e.emitWG.Wait()
			return ctx.Err()
		case <-e.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			e.fireDue(ctx)
		}
	}
}

// fireDue pops every due timer entry and closes the buckets that are ready.
func (e *Engine) fireDue(ctx context.Context) {
	now := e.now()
	for {
		e.timerMu.Lock()
		entry, ok := e.timers.peek()
		if !ok || entry.at.After(now) {
			e.timerMu.Unlock()
			return
		}
		e.timers.pop()
		e.timerMu.Unlock()

		e.maybeClose(ctx, entry.key, now)
	}
}

// maybeClose closes the bucket when its quiet period or max age has elapsed.
// Stale timer entries from earlier arrivals find neither and do nothing.
func (e *Engine) maybeClose(ctx context.Context, key string, now time.Time) {
	sh := e.shardFor(key)

	sh.mu.Lock()
	b, ok := sh.buckets[key]
	if !ok {
		sh.mu.Unlock()
		return
	}
	var trigger Trigger
	switch {
	case now.Sub(b.createdAt) >= b.calledAE.MaxAge:
		trigger = TriggerMaxAge
	case now.Sub(b.lastInstanceAt) >= b.calledAE.QuietPeriod:
		trigger = TriggerQuiet
	default:
		sh.mu.Unlock()
		return
	}
	delete(sh.buckets, key)
	sh.mu.Unlock()

	metrics.BucketsOpen.Dec()
	metrics.BucketsCompleted.WithLabelValues(string(trigger)).Inc()
	e.dispatch(ctx, b, trigger)
}

// Flush closes every bucket whose quiet period has elapsed. Used on drain.
func (e *Engine) Flush(ctx context.Context) {
	now := e.now()
	for _, sh := range e.shards {
		sh.mu.Lock()
		var due []*bucket
		for key, b := range sh.buckets {
			if now.Sub(b.lastInstanceAt) >= b.calledAE.QuietPeriod || now.Sub(b.createdAt) >= b.calledAE.MaxAge {
				due = append(due, b)
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()

		for _, b := range due {
			metrics.BucketsOpen.Dec()
			metrics.BucketsCompleted.WithLabelValues(string(TriggerFlush)).Inc()
			e.dispatch(ctx, b, TriggerFlush)
		}
	}
}

// dispatch emits one job per configured pipeline off the timer goroutine.
func (e *Engine) dispatch(ctx context.Context, b *bucket, trigger Trigger) {
	instances := b.snapshot()
	e.emitWG.Add(1)
	go func() {
		defer e.emitWG.Done()
		for name, id := range b.calledAE.Pipelines {
			e.emit(ctx, b, trigger, name, id, instances)
		}
	}()
}

func (e *Engine) emit(ctx context.Context, b *bucket, trigger Trigger, pipelineName, pipelineID string, instances []events.Instance) {
	job := JobRequest{
		PipelineName:  pipelineName,
		PipelineID:    pipelineID,
		Priority:      b.calledAE.Priority,
		CalledAETitle: b.calledAE.AETitle,
		Trigger:       trigger,
		Instances:     instances,
	}
	if len(instances) > 0 {
		job.PatientID = instances[0].Attributes.PatientID
		job.StudyInstanceUID = instances[0].Attributes.StudyInstanceUID
	}
	for _, inst := range instances {
		job.Manifest = append(job.Manifest, inst.Path)
	}

	log := e.log.WithFields(logrus.Fields{
		"bucket":    b.key,
		"pipeline":  pipelineID,
		"instances": len(instances),
		"trigger":   string(trigger),
	})

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     e.baseDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         60 * time.Second,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, 4), ctx)
	policy.Reset()

	err := backoff.Retry(func() error {
		if err := e.emitter.Emit(ctx, job); err != nil {
			log.WithError(err).Warn("bucket emission failed, will retry")
			return err
		}
		return nil
	}, policy)
	if err == nil {
		log.Info("bucket emitted")
		return
	}

	log.WithError(err).Error("bucket emission exhausted retries, retaining files")
	if e.failures == nil {
		return
	}
	uids := make([]string, 0, len(instances))
	for _, inst := range instances {
		uids = append(uids, inst.Attributes.SOPInstanceUID)
	}
	failure := BucketFailure{
		Key:           b.key,
		CalledAETitle: b.calledAE.AETitle,
		PipelineID:    pipelineID,
		InstanceUIDs:  uids,
		FailedAt:      e.now(),
		Reason:        err.Error(),
	}
	if recErr := e.failures.RecordBucketFailure(ctx, failure); recErr != nil {
		log.WithError(recErr).Error("recording bucket failure failed")
	}
}

// snapshot orders instances by receive time, ties by SOP instance UID.
func (b *bucket) snapshot() []events.Instance {
	instances := make([]events.Instance, 0, len(b.byUID))
	for _, inst := range b.byUID {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].ReceivedAt.Equal(instances[j].ReceivedAt) {
			return instances[i].ReceivedAt.Before(instances[j].ReceivedAt)
		}
		return instances[i].Attributes.SOPInstanceUID < instances[j].Attributes.SOPInstanceUID
	})
	return instances
}

// OpenBuckets reports the number of open buckets, for tests and drain logs.
func (e *Engine) OpenBuckets() int {
	total := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}
