// Package worker drives queued inference requests through retrieval and
// job submission.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/requests"
	"github.com/radbridge/dicom-adapter/retrieve"
	"github.com/radbridge/dicom-adapter/staging"
	"github.com/radbridge/dicom-adapter/submit"
)

// Submitter is the submission surface the worker needs.
type Submitter interface {
	Submit(ctx context.Context, job submit.Job) (*submit.Receipt, error)
}

// Config tunes the pool.
type Config struct {
	Workers          int
	MaxRetries       int
	PollInterval     time.Duration
	RetrievalTimeout time.Duration
	// RetrievalFallback continues to the next input resource even when the
	// previous one yielded nothing.
	RetrievalFallback bool
	// RequeueBase is the base of the exponential requeue delay.
	RequeueBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.RetrievalTimeout == 0 {
		c.RetrievalTimeout = 10 * time.Minute
	}
	if c.RequeueBase == 0 {
		c.RequeueBase = time.Second
	}
	return c
}

// Pool claims requests from the store and runs each end to end.
type Pool struct {
	cfg       Config
	store     *requests.Store
	staging   *staging.Manager
	retriever retrieve.Retriever
	submitter Submitter
	log       *logrus.Entry
}

// New builds a pool.
func New(cfg Config, store *requests.Store, stage *staging.Manager, retriever retrieve.Retriever, submitter Submitter, log *logrus.Entry) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		store:     store,
		staging:   stage,
		retriever: retriever,
		submitter: submitter,
		log:       log,
	}
}

// Run blocks until ctx is done, running the configured number of workers.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		req, err := p.store.ClaimNext(ctx)
		if err != nil {
			p.log.WithError(err).Warn("claiming next request failed")
		}
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.process(ctx, req)
	}
}

// process runs one claimed request to a terminal or requeued state.
func (p *Pool) process(ctx context.Context, req *requests.InferenceRequest) {
	log := p.log.WithFields(logrus.Fields{
		"request": req.ID,
		"txn":     req.TransactionID,
		"try":     req.TryCount,
	})

	if cancelled, _ := p.store.Cancelled(ctx, req.ID); cancelled {
		p.complete(ctx, req, requests.StatusFail, log, "cancelled before processing")
		return
	}

	// storage_path is assigned once and survives requeues, so retries
	// resume into the same directory.
	if req.StoragePath == "" {
		handle, err := p.staging.Acquire(req.ID)
		if err != nil {
			p.fail(ctx, req, err, log)
			return
		}
		req.StoragePath = handle.Dir()
		if err := p.store.Update(ctx, req); err != nil {
			log.WithError(err).Error("persisting storage path failed")
			return
		}
	}

	total, err := p.retrieveAll(ctx, req, log)
	if err != nil {
		p.fail(ctx, req, err, log)
		return
	}
	if total == 0 {
		p.complete(ctx, req, requests.StatusFail, log, "no input instances retrieved")
		return
	}

	receipt, err := p.submitJob(ctx, req)
	if err != nil {
		p.fail(ctx, req, err, log)
		return
	}

	req.JobID = receipt.JobID
	req.PayloadID = receipt.PayloadID
	p.complete(ctx, req, requests.StatusSuccess, log, "")
}

// retrieveAll walks the data resources in declared order. A resource that
// yields nothing stops the walk unless fallback is configured.
func (p *Pool) retrieveAll(ctx context.Context, req *requests.InferenceRequest, log *logrus.Entry) (int, error) {
	total := 0
	for i, resource := range req.DataResources() {
		if cancelled, _ := p.store.Cancelled(ctx, req.ID); cancelled {
			return 0, adperrors.Ef(adperrors.KindCancelled, "worker.retrieve", "request cancelled")
		}

		resourceCtx, cancel := context.WithTimeout(ctx, p.cfg.RetrievalTimeout)
		result, err := p.retriever.Retrieve(resourceCtx, resource, req.InputMetadata.Details, req.StoragePath)
		cancel()
		if err != nil {
			return 0, err
		}

		total += result.Count
		if result.Count == 0 && !p.cfg.RetrievalFallback {
			log.WithField("resource", i).Warn("input resource yielded no instances, stopping retrieval")
			break
		}
	}
	return total, nil
}

func (p *Pool) submitJob(ctx context.Context, req *requests.InferenceRequest) (*submit.Receipt, error) {
	algorithm, ok := req.Algorithm()
	if !ok {
		// Validation guarantees this; a missing algorithm after claim means
		// a corrupted document.
		return nil, adperrors.Ef(adperrors.KindValidationFailed, "worker.submit", "request has no Algorithm resource")
	}
	job := submit.Job{
		Name:       submit.JobName(algorithm.ConnectionDetails.Name, time.Now()),
		PipelineID: algorithm.ConnectionDetails.ID,
		Priority:   submit.MapPriority(req.Priority),
		PayloadDir: req.StoragePath,
	}
	return p.submitter.Submit(ctx, job)
}

// fail routes an error to requeue or terminal failure based on its kind and
// the retry budget.
func (p *Pool) fail(ctx context.Context, req *requests.InferenceRequest, err error, log *logrus.Entry) {
	if adperrors.KindOf(err) == adperrors.KindCancelled {
		p.complete(ctx, req, requests.StatusFail, log, "cancelled")
		return
	}

	if adperrors.IsTransient(err) {
		req.TryCount++
		if req.TryCount < p.cfg.MaxRetries {
			delay := p.requeueDelay(req.TryCount)
			log.WithError(err).WithField("delay", delay.String()).Warn("transient failure, requeueing")
			if rqErr := p.store.Requeue(ctx, req, delay); rqErr != nil {
				log.WithError(rqErr).Error("requeue failed")
			}
			return
		}
		log.WithError(err).Error("retry budget exhausted")
		p.complete(ctx, req, requests.StatusFail, log, err.Error())
		return
	}

	log.WithError(err).Error("permanent failure")
	p.complete(ctx, req, requests.StatusFail, log, err.Error())
}

func (p *Pool) requeueDelay(tryCount int) time.Duration {
	delay := p.cfg.RequeueBase
	for i := 1; i < tryCount; i++ {
		delay *= 2
		if delay >= 60*time.Second {
			return 60 * time.Second
		}
	}
	return delay
}

func (p *Pool) complete(ctx context.Context, req *requests.InferenceRequest, status requests.Status, log *logrus.Entry, reason string) {
	req.State = requests.StateCompleted
	req.Status = status
	if err := p.store.Update(ctx, req); err != nil {
		log.WithError(err).Error("persisting terminal state failed")
		return
	}
	entry := log.WithField("status", string(status))
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Info("request completed")
}
