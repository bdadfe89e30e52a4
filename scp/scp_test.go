package scp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radbridge/dicom-adapter/client"
	"github.com/radbridge/dicom-adapter/config"
	"github.com/radbridge/dicom-adapter/dicom"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/events"
	"github.com/radbridge/dicom-adapter/registry"
	"github.com/radbridge/dicom-adapter/staging"
	"github.com/radbridge/dicom-adapter/types"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fixture struct {
	server   *Server
	notifier *events.Notifier
	staging  *staging.Manager
	addr     string
}

func startServer(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(`
dicom:
  scp: {listen: "127.0.0.1:0"}
  scu: {ae_title: RADBRIDGE}
storage: {staging_root: ` + t.TempDir() + `}
services:
  platform: {endpoint: http://platform:5000}
  requests: {database: /tmp/requests.db}
sources:
  - {ae_title: PACS1, source_id: main-pacs}
  - {ae_title: CT1, source_id: ct-scanner}
aetitles:
  - ae_title: ORGANSEG
    pipelines: {organ: p-1}
    allowed_sources: [main-pacs]
  - ae_title: CTONLY
    pipelines: {ct: p-2}
    allowed_sops: ["` + types.CTImageStorage + `"]
`))
	require.NoError(t, err)

	reg := registry.New(cfg, testLogger())
	stage, err := staging.NewManager(cfg.Storage.StagingRoot, 0, 0, testLogger())
	require.NoError(t, err)
	notifier := events.NewNotifier(testLogger())

	srv := New(Config{
		Listen:       "127.0.0.1:0",
		DIMSETimeout: 2 * time.Second,
		IdleTimeout:  2 * time.Second,
	}, reg, stage, notifier, testLogger())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{server: srv, notifier: notifier, staging: stage, addr: srv.Addr().String()}
}

func dial(t *testing.T, f *fixture, calling, called string, abstracts []string) (*client.Association, error) {
	t.Helper()
	return client.Dial(context.Background(), client.Config{
		Addr:          f.addr,
		LocalAETitle:  calling,
		RemoteAETitle: called,
		DIMSETimeout:  2 * time.Second,
	}, abstracts, testLogger())
}

func TestEchoAgainstServer(t *testing.T) {
	f := startServer(t)

	a, err := dial(t, f, "PACS1", "ORGANSEG", []string{types.VerificationSOPClass})
	require.NoError(t, err)
	defer a.Release(context.Background())

	assert.NoError(t, a.Echo(context.Background()))
}

func TestUnknownCallingAERejected(t *testing.T) {
	f := startServer(t)

	_, err := dial(t, f, "ROGUE", "ORGANSEG", []string{types.VerificationSOPClass})
	var assocErr *adperrors.AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, adperrors.RejectReasonCallingAETitleNotRecognized, assocErr.Reason)
	assert.Equal(t, adperrors.RejectResultPermanent, assocErr.Result)
}

func TestUnknownCalledAERejected(t *testing.T) {
	f := startServer(t)

	_, err := dial(t, f, "PACS1", "NOSUCHAE", []string{types.VerificationSOPClass})
	var assocErr *adperrors.AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, adperrors.RejectReasonCalledAETitleNotRecognized, assocErr.Reason)
}

func TestSourceNotAllowedRejected(t *testing.T) {
	f := startServer(t)

	// CT1 is a known source but ORGANSEG only allows main-pacs.
	_, err := dial(t, f, "CT1", "ORGANSEG", []string{types.VerificationSOPClass})
	var assocErr *adperrors.AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, adperrors.RejectReasonCallingAETitleNotRecognized, assocErr.Reason)
}

func TestDisallowedSOPClassContextRejected(t *testing.T) {
	f := startServer(t)

	// CTONLY accepts CT image storage; proposing only MR must leave no
	// usable presentation context.
	_, err := dial(t, f, "PACS1", "CTONLY", []string{types.MRImageStorage})
	assert.ErrorIs(t, err, adperrors.ErrNoPresentationCtx)
}

func storeDataset(t *testing.T, sopUID, studyUID string) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	ds.PutString(types.TagSOPClassUID, "UI", types.CTImageStorage)
	ds.PutString(types.TagSOPInstanceUID, "UI", sopUID)
	ds.PutString(types.TagStudyInstanceUID, "UI", studyUID)
	ds.PutString(types.TagPatientID, "LO", "PAT-1")
	file, err := dicom.BuildPart10(&dicom.InstanceAttributes{
		SOPClassUID:    types.CTImageStorage,
		SOPInstanceUID: sopUID,
	}, types.ExplicitVRLittleEndian, ds.EncodeExplicit())
	require.NoError(t, err)
	return file
}

func TestStoreWritesStagingAndPublishes(t *testing.T) {
	f := startServer(t)

	var mu sync.Mutex
	var published []events.Instance
	f.notifier.Subscribe(func(inst events.Instance) {
		mu.Lock()
		published = append(published, inst)
		mu.Unlock()
	})

	a, err := dial(t, f, "PACS1", "ORGANSEG", []string{types.CTImageStorage})
	require.NoError(t, err)

	require.NoError(t, a.Store(context.Background(), storeDataset(t, "1.2.3.1", "1.2.3")))
	require.NoError(t, a.Store(context.Background(), storeDataset(t, "1.2.3.2", "1.2.3")))
	require.NoError(t, a.Release(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 2, "publish happens before the store response")
	assert.Equal(t, "1.2.3.1", published[0].Attributes.SOPInstanceUID)
	assert.Equal(t, "1.2.3.2", published[1].Attributes.SOPInstanceUID)
	assert.Equal(t, "ORGANSEG", published[0].CalledAETitle)
	assert.Equal(t, "main-pacs", published[0].SourceID)
	assert.Equal(t, "1.2.3", published[0].Attributes.StudyInstanceUID)

	data, err := os.ReadFile(published[0].Path)
	require.NoError(t, err)
	assert.True(t, dicom.HasPart10Header(data), "staged files are part-10")
	assert.Contains(t, filepath.Base(filepath.Dir(published[0].Path)), "ORGANSEG-")
}

func TestConcurrentAssociations(t *testing.T) {
	f := startServer(t)

	var mu sync.Mutex
	count := 0
	f.notifier.Subscribe(func(events.Instance) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a, err := dial(t, f, "PACS1", "ORGANSEG", []string{types.CTImageStorage})
			if err != nil {
				t.Error(err)
				return
			}
			sop := "1.2.3." + string(rune('1'+n))
			if err := a.Store(context.Background(), storeDataset(t, sop, "1.2.3")); err != nil {
				t.Error(err)
			}
			a.Release(context.Background())
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count, "every association's instance is stored")
}

func TestBusyServerRejectsTransient(t *testing.T) {
	cfg, err := config.Parse([]byte(`
dicom:
  scp: {listen: "127.0.0.1:0"}
  scu: {ae_title: RADBRIDGE}
storage: {staging_root: ` + t.TempDir() + `}
services:
  platform: {endpoint: http://platform:5000}
  requests: {database: /tmp/requests.db}
sources:
  - {ae_title: PACS1, source_id: main-pacs}
aetitles:
  - ae_title: ORGANSEG
    pipelines: {organ: p-1}
`))
	require.NoError(t, err)

	reg := registry.New(cfg, testLogger())
	stage, err := staging.NewManager(t.TempDir(), 0, 0, testLogger())
	require.NoError(t, err)

	srv := New(Config{
		Listen:          "127.0.0.1:0",
		MaxAssociations: 1,
		DIMSETimeout:    2 * time.Second,
		IdleTimeout:     5 * time.Second,
	}, reg, stage, events.NewNotifier(testLogger()), testLogger())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	first, err := client.Dial(context.Background(), client.Config{
		Addr: srv.Addr().String(), LocalAETitle: "PACS1", RemoteAETitle: "ORGANSEG",
		DIMSETimeout: 2 * time.Second,
	}, []string{types.VerificationSOPClass}, testLogger())
	require.NoError(t, err)
	defer first.Release(context.Background())

	_, err = client.Dial(context.Background(), client.Config{
		Addr: srv.Addr().String(), LocalAETitle: "PACS1", RemoteAETitle: "ORGANSEG",
		DIMSETimeout: 2 * time.Second,
	}, []string{types.VerificationSOPClass}, testLogger())

	var assocErr *adperrors.AssociationError
	require.True(t, errors.As(err, &assocErr), "err = %v", err)
	assert.Equal(t, adperrors.RejectResultTransient, assocErr.Result)
}

// An association arriving while staging is over its high-water mark is
// refused outright instead of failing store by store.
func TestStagingFullRejectsAssociation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "leftover.dcm"), make([]byte, 64), 0o644))

	cfg, err := config.Parse([]byte(`
dicom:
  scp: {listen: "127.0.0.1:0"}
  scu: {ae_title: RADBRIDGE}
storage: {staging_root: ` + root + `, high_water_bytes: 1}
services:
  platform: {endpoint: http://platform:5000}
  requests: {database: /tmp/requests.db}
sources:
  - {ae_title: PACS1, source_id: main-pacs}
aetitles:
  - ae_title: ORGANSEG
    pipelines: {organ: p-1}
`))
	require.NoError(t, err)

	reg := registry.New(cfg, testLogger())
	stage, err := staging.NewManager(root, cfg.Storage.HighWaterBytes, 0, testLogger())
	require.NoError(t, err)

	srv := New(Config{Listen: "127.0.0.1:0", DIMSETimeout: 2 * time.Second}, reg, stage, events.NewNotifier(testLogger()), testLogger())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err = client.Dial(context.Background(), client.Config{
		Addr:          srv.Addr().String(),
		LocalAETitle:  "PACS1",
		RemoteAETitle: "ORGANSEG",
		DIMSETimeout:  2 * time.Second,
	}, []string{types.CTImageStorage}, testLogger())

	var assocErr *adperrors.AssociationError
	require.True(t, errors.As(err, &assocErr), "err = %v", err)
	assert.Equal(t, adperrors.RejectResultTransient, assocErr.Result)
}
