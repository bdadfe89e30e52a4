package worker

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/requests"
	"github.com/radbridge/dicom-adapter/retrieve"
	"github.com/radbridge/dicom-adapter/staging"
	"github.com/radbridge/dicom-adapter/submit"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeRetriever struct {
	mu      sync.Mutex
	results []retrieveOutcome
	calls   int
}

type retrieveOutcome struct {
	count int
	err   error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ requests.Resource, _ requests.Details, _ string) (*retrieve.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return &retrieve.Result{Count: 1}, nil
	}
	out := f.results[0]
	f.results = f.results[1:]
	if out.err != nil {
		return nil, out.err
	}
	return &retrieve.Result{Count: out.count}, nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	jobs  []submit.Job
}

func (f *fakeSubmitter) Submit(_ context.Context, job submit.Job) (*submit.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.jobs = append(f.jobs, job)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &submit.Receipt{JobID: "job-1", PayloadID: "payload-1"}, nil
}

type fixture struct {
	store     *requests.Store
	retriever *fakeRetriever
	submitter *fakeSubmitter
	pool      *Pool
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := requests.Open(filepath.Join(t.TempDir(), "requests.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stage, err := staging.NewManager(t.TempDir(), 0, 0, testLogger())
	require.NoError(t, err)

	retriever := &fakeRetriever{}
	submitter := &fakeSubmitter{}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RequeueBase = time.Millisecond
	pool := New(cfg, store, stage, retriever, submitter, testLogger())
	return &fixture{store: store, retriever: retriever, submitter: submitter, pool: pool}
}

func validRequest() *requests.InferenceRequest {
	return &requests.InferenceRequest{
		TransactionID: "txn-1",
		Priority:      200,
		InputMetadata: requests.InputMetadata{Details: requests.Details{
			Type:    requests.MetadataDicomUID,
			Studies: []requests.Study{{StudyInstanceUID: "1.2.3"}},
		}},
		InputResources: []requests.Resource{
			{Interface: requests.InterfaceAlgorithm, ConnectionDetails: requests.ConnectionDetails{Name: "organ-seg", ID: "p-1"}},
			{Interface: requests.InterfaceDIMSE, ConnectionDetails: requests.ConnectionDetails{AETitle: "PACS1", Host: "pacs", Port: 104}},
		},
	}
}

// runUntil runs the pool until the request reaches a terminal state or the
// timeout expires.
func runUntil(t *testing.T, f *fixture, id string, timeout time.Duration) *requests.InferenceRequest {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pool.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		if req.State == requests.StateCompleted {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %s did not complete in %s", id, timeout)
	return nil
}

func TestSuccessfulRequest(t *testing.T) {
	f := newFixture(t, Config{})
	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 3*time.Second)

	assert.Equal(t, requests.StatusSuccess, got.Status)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "payload-1", got.PayloadID)
	assert.NotEmpty(t, got.StoragePath, "storage path assigned at claim")
	assert.Equal(t, 0, got.TryCount)

	f.submitter.mu.Lock()
	defer f.submitter.mu.Unlock()
	require.Len(t, f.submitter.jobs, 1)
	job := f.submitter.jobs[0]
	assert.Equal(t, "p-1", job.PipelineID)
	assert.Equal(t, submit.PriorityHigher, job.Priority, "priority 200 maps to higher")
	assert.Contains(t, job.Name, "organ-seg-")
}

func TestTransientFailureRetriesWithTryCount(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3})
	transient := adperrors.Ef(adperrors.KindTransientRemote, "retrieve", "archive unreachable")
	f.retriever.results = []retrieveOutcome{{err: transient}, {err: transient}, {count: 2}}

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 5*time.Second)

	assert.Equal(t, requests.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.TryCount, "two transient failures recorded")
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3})
	transient := adperrors.Ef(adperrors.KindTransientRemote, "retrieve", "archive unreachable")
	f.retriever.results = []retrieveOutcome{{err: transient}, {err: transient}, {err: transient}}

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 5*time.Second)

	assert.Equal(t, requests.StatusFail, got.Status)
	assert.Equal(t, 3, got.TryCount)
	f.submitter.mu.Lock()
	assert.Equal(t, 0, f.submitter.calls, "no submission after failed retrieval")
	f.submitter.mu.Unlock()
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3})
	f.retriever.results = []retrieveOutcome{
		{err: adperrors.Ef(adperrors.KindPermanentRemote, "retrieve", "study does not exist")},
	}

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 3*time.Second)

	assert.Equal(t, requests.StatusFail, got.Status)
	assert.Equal(t, 0, got.TryCount, "permanent failures do not consume retries")
}

func TestNoInstancesFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.retriever.results = []retrieveOutcome{{count: 0}}

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 3*time.Second)
	assert.Equal(t, requests.StatusFail, got.Status)
}

func TestEmptyResourceStopsWalkWithoutFallback(t *testing.T) {
	f := newFixture(t, Config{})
	f.retriever.results = []retrieveOutcome{{count: 0}, {count: 5}}

	req := validRequest()
	req.InputResources = append(req.InputResources, requests.Resource{
		Interface:         requests.InterfaceDICOMweb,
		ConnectionDetails: requests.ConnectionDetails{URI: "https://pacs/dicomweb"},
	})
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 3*time.Second)

	assert.Equal(t, requests.StatusFail, got.Status)
	f.retriever.mu.Lock()
	assert.Equal(t, 1, f.retriever.calls, "second resource never tried")
	f.retriever.mu.Unlock()
}

func TestEmptyResourceContinuesWithFallback(t *testing.T) {
	f := newFixture(t, Config{RetrievalFallback: true})
	f.retriever.results = []retrieveOutcome{{count: 0}, {count: 5}}

	req := validRequest()
	req.InputResources = append(req.InputResources, requests.Resource{
		Interface:         requests.InterfaceDICOMweb,
		ConnectionDetails: requests.ConnectionDetails{URI: "https://pacs/dicomweb"},
	})
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 3*time.Second)

	assert.Equal(t, requests.StatusSuccess, got.Status)
	f.retriever.mu.Lock()
	assert.Equal(t, 2, f.retriever.calls)
	f.retriever.mu.Unlock()
}

func TestCancelledBeforeClaimFails(t *testing.T) {
	f := newFixture(t, Config{})

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))
	require.NoError(t, f.store.Cancel(context.Background(), req.ID))

	got, err := f.store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, requests.StateCompleted, got.State)
	assert.Equal(t, requests.StatusFail, got.Status)
}

func TestTransientSubmitFailureRetries(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3})
	f.submitter.errs = []error{adperrors.Ef(adperrors.KindTransientRemote, "submit", "gateway timeout")}

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 5*time.Second)

	assert.Equal(t, requests.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.TryCount)
	f.submitter.mu.Lock()
	assert.Equal(t, 2, f.submitter.calls)
	f.submitter.mu.Unlock()
}

type scriptedPlatform struct {
	mu         sync.Mutex
	createErrs []error
	created    int
}

func (p *scriptedPlatform) CreateJob(_ context.Context, _ submit.Job) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "job-1", nil
}

func (p *scriptedPlatform) UploadPayload(_ context.Context, _, _ string) (string, error) {
	return "payload-1", nil
}

func (p *scriptedPlatform) StartJob(_ context.Context, _ string) error { return nil }

// Two transient platform failures must flow through the durable queue as
// two requeues, ending in success with try_count 2 and one visible job.
func TestPlatformOutageCountsAgainstRequestBudget(t *testing.T) {
	transient := adperrors.Ef(adperrors.KindTransientRemote, "platform.call", "POST /jobs: 500 Internal Server Error")
	platform := &scriptedPlatform{createErrs: []error{transient, transient}}

	f := newFixture(t, Config{MaxRetries: 3})
	f.pool.submitter = submit.NewSubmitter(platform, testLogger())

	req := validRequest()
	require.NoError(t, f.store.Enqueue(context.Background(), req))

	got := runUntil(t, f, req.ID, 5*time.Second)

	assert.Equal(t, requests.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.TryCount, "each failed submit consumed one try")
	platform.mu.Lock()
	assert.Equal(t, 3, platform.created, "one platform attempt per processing pass")
	platform.mu.Unlock()
}
