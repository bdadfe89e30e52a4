// Package retrieve fetches inference request inputs from clinical archives
// into a staging directory, over DIMSE query/retrieve or DICOMweb.
package retrieve

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/metrics"
	"github.com/radbridge/dicom-adapter/requests"
)

// Result reports what one resource retrieval deposited.
type Result struct {
	Count        int
	InstanceUIDs []string
}

// Retriever deposits instances matching the selector into destDir.
type Retriever interface {
	Retrieve(ctx context.Context, resource requests.Resource, details requests.Details, destDir string) (*Result, error)
}

// Dispatcher routes a resource to the retriever for its interface.
type Dispatcher struct {
	dimse    Retriever
	dicomweb Retriever
	log      *logrus.Entry
}

// NewDispatcher wires the per-protocol retrievers.
func NewDispatcher(dimse, dicomweb Retriever, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{dimse: dimse, dicomweb: dicomweb, log: log}
}

// Retrieve dispatches by resource interface and records latency.
func (d *Dispatcher) Retrieve(ctx context.Context, resource requests.Resource, details requests.Details, destDir string) (*Result, error) {
	var (
		r        Retriever
		protocol string
	)
	switch resource.Interface {
	case requests.InterfaceDIMSE:
		r, protocol = d.dimse, "dimse"
	case requests.InterfaceDICOMweb:
		r, protocol = d.dicomweb, "dicomweb"
	default:
		return nil, fmt.Errorf("no retriever for resource interface %q", resource.Interface)
	}

	start := time.Now()
	result, err := r.Retrieve(ctx, resource, details, destDir)
	metrics.RetrievalDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{
		"protocol":  protocol,
		"instances": result.Count,
		"dest":      destDir,
	}).Info("resource retrieved")
	return result, nil
}
