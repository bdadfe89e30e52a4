package submit

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/grouping"
	"github.com/radbridge/dicom-adapter/staging"
)

// BucketEmitter turns closed instance buckets into platform jobs. The
// manifest files live in per-association staging directories, so each
// emission assembles them into a dedicated payload directory first.
type BucketEmitter struct {
	submitter *Submitter
	staging   *staging.Manager
	log       *logrus.Entry
}

// NewBucketEmitter builds an emitter backed by the given submitter.
func NewBucketEmitter(submitter *Submitter, stage *staging.Manager, log *logrus.Entry) *BucketEmitter {
	return &BucketEmitter{submitter: submitter, staging: stage, log: log}
}

// Emit assembles the payload and submits one job. The payload directory is
// released on success and retained on failure for operator inspection.
func (e *BucketEmitter) Emit(ctx context.Context, job grouping.JobRequest) error {
	handle, err := e.staging.Acquire(job.PipelineName)
	if err != nil {
		return err
	}

	if err := e.assemble(handle, job.Manifest); err != nil {
		handle.Discard()
		return err
	}

	_, err = e.submitter.Submit(ctx, Job{
		Name:       JobName(job.PipelineName, time.Now()),
		PipelineID: job.PipelineID,
		Priority:   MapPriority(job.Priority),
		PayloadDir: handle.Dir(),
	})
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"pipeline": job.PipelineName,
			"payload":  handle.Dir(),
		}).Error("bucket submission failed, payload retained")
		return err
	}

	handle.Discard()
	return nil
}

func (e *BucketEmitter) assemble(handle *staging.Handle, manifest []string) error {
	for _, path := range manifest {
		data, err := os.ReadFile(path)
		if err != nil {
			return adperrors.E(adperrors.KindTransientIO, "submit.assemble", err)
		}
		if _, err := handle.WriteFile(filepath.Base(path), data); err != nil {
			return err
		}
	}
	return nil
}
