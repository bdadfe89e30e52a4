package retrieve

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/client"
	"github.com/radbridge/dicom-adapter/dicom"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/events"
	"github.com/radbridge/dicom-adapter/requests"
	"github.com/radbridge/dicom-adapter/types"
)

// session is the slice of the SCU association the retriever drives.
type session interface {
	Find(ctx context.Context, keys types.QueryKeys, fn func(*dicom.Dataset) error) error
	Move(ctx context.Context, destination string, keys types.QueryKeys) (*client.MoveResult, error)
	Get(ctx context.Context, keys types.QueryKeys, fn func(client.InboundInstance) error) (*client.MoveResult, error)
	Release(ctx context.Context) error
}

type dialFunc func(ctx context.Context, cfg client.Config, abstractSyntaxes []string) (session, error)

// DIMSEConfig configures the DIMSE retriever.
type DIMSEConfig struct {
	LocalAETitle string
	// MoveDestination is the AE title remote archives use to reach this
	// adapter's own SCP; retrieved instances arrive there and are copied
	// into the destination directory.
	MoveDestination string
	// UseGet retrieves inline with C-GET instead of C-MOVE.
	UseGet       bool
	MoveSettle   time.Duration
	DIMSETimeout time.Duration
}

// DIMSERetriever retrieves over C-FIND plus C-MOVE or C-GET.
type DIMSERetriever struct {
	cfg      DIMSEConfig
	notifier *events.Notifier
	dial     dialFunc
	log      *logrus.Entry
}

// NewDIMSERetriever builds the retriever. The notifier feeds it the
// instances its C-MOVEs push back through the local SCP.
func NewDIMSERetriever(cfg DIMSEConfig, notifier *events.Notifier, log *logrus.Entry) *DIMSERetriever {
	if cfg.MoveSettle == 0 {
		cfg.MoveSettle = 5 * time.Second
	}
	return &DIMSERetriever{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		dial: func(ctx context.Context, c client.Config, abstracts []string) (session, error) {
			return client.Dial(ctx, c, abstracts, log)
		},
	}
}

func (r *DIMSERetriever) abstractSyntaxes() []string {
	syntaxes := []string{
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove,
	}
	if r.cfg.UseGet {
		syntaxes = append(syntaxes, types.StudyRootQueryRetrieveInformationModelGet)
		syntaxes = append(syntaxes, types.DefaultStorageSOPClasses...)
	}
	return syntaxes
}

// Retrieve resolves the selector to study UIDs and pulls each study into
// destDir.
func (r *DIMSERetriever) Retrieve(ctx context.Context, resource requests.Resource, details requests.Details, destDir string) (*Result, error) {
	cd := resource.ConnectionDetails
	sess, err := r.dial(ctx, client.Config{
		Addr:          fmt.Sprintf("%s:%d", cd.Host, cd.Port),
		LocalAETitle:  r.cfg.LocalAETitle,
		RemoteAETitle: cd.AETitle,
		DIMSETimeout:  r.cfg.DIMSETimeout,
	}, r.abstractSyntaxes())
	if err != nil {
		return nil, err
	}
	defer sess.Release(context.WithoutCancel(ctx))

	studyUIDs, err := r.resolveStudies(ctx, sess, details)
	if err != nil {
		return nil, err
	}
	if len(studyUIDs) == 0 {
		return &Result{}, nil
	}

	result := &Result{}
	for _, uid := range studyUIDs {
		keys := types.QueryKeys{Level: types.QueryLevelStudy, StudyInstanceUID: uid}
		var sub *Result
		if r.cfg.UseGet {
			sub, err = r.retrieveWithGet(ctx, sess, keys, destDir)
		} else {
			sub, err = r.retrieveWithMove(ctx, sess, keys, uid, destDir)
		}
		if err != nil {
			return nil, err
		}
		result.Count += sub.Count
		result.InstanceUIDs = append(result.InstanceUIDs, sub.InstanceUIDs...)
	}
	return result, nil
}

// resolveStudies maps the selector to study instance UIDs, querying the
// remote when the selector is not already UID-based.
func (r *DIMSERetriever) resolveStudies(ctx context.Context, sess session, details requests.Details) ([]string, error) {
	switch details.Type {
	case requests.MetadataDicomUID:
		uids := make([]string, 0, len(details.Studies))
		for _, s := range details.Studies {
			uids = append(uids, s.StudyInstanceUID)
		}
		return uids, nil
	case requests.MetadataDicomPatientID:
		return r.findStudies(ctx, sess, types.QueryKeys{Level: types.QueryLevelStudy, PatientID: details.PatientID})
	case requests.MetadataAccessionNumber:
		var uids []string
		for _, accession := range details.AccessionNumbers {
			found, err := r.findStudies(ctx, sess, types.QueryKeys{Level: types.QueryLevelStudy, AccessionNumber: accession})
			if err != nil {
				return nil, err
			}
			uids = append(uids, found...)
		}
		return uids, nil
	default:
		return nil, adperrors.Ef(adperrors.KindValidationFailed, "retrieve.resolve", "unsupported metadata type %q", details.Type)
	}
}

func (r *DIMSERetriever) findStudies(ctx context.Context, sess session, keys types.QueryKeys) ([]string, error) {
	var uids []string
	err := sess.Find(ctx, keys, func(match *dicom.Dataset) error {
		if uid := match.GetString(types.TagStudyInstanceUID); uid != "" {
			uids = append(uids, uid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// retrieveWithMove directs the archive to push the study to this adapter's
// own SCP, collects the arriving instances off the notifier and copies them
// into destDir.
func (r *DIMSERetriever) retrieveWithMove(ctx context.Context, sess session, keys types.QueryKeys, studyUID, destDir string) (*Result, error) {
	var mu sync.Mutex
	collected := &Result{}
	var copyErr error

	unsubscribe := r.notifier.Subscribe(func(inst events.Instance) {
		if inst.Attributes.StudyInstanceUID != studyUID {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := copyFile(inst.Path, filepath.Join(destDir, inst.Attributes.SOPInstanceUID+".dcm")); err != nil {
			copyErr = err
			return
		}
		collected.Count++
		collected.InstanceUIDs = append(collected.InstanceUIDs, inst.Attributes.SOPInstanceUID)
	})
	defer unsubscribe()

	moveResult, err := sess.Move(ctx, r.cfg.MoveDestination, keys)
	if err != nil {
		return nil, err
	}

	// The final C-MOVE response can outrun the tail of the inbound store
	// association. Give the stragglers a settle window.
	deadline := time.Now().Add(r.cfg.MoveSettle)
	for {
		mu.Lock()
		done := copyErr != nil || collected.Count >= int(moveResult.Completed)
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if copyErr != nil {
		return nil, copyErr
	}
	if collected.Count < int(moveResult.Completed) {
		r.log.WithFields(logrus.Fields{
			"study":     studyUID,
			"completed": moveResult.Completed,
			"collected": collected.Count,
		}).Warn("move finished before all instances arrived locally")
	}
	return collected, nil
}

// retrieveWithGet pulls the study inline and writes part-10 files.
func (r *DIMSERetriever) retrieveWithGet(ctx context.Context, sess session, keys types.QueryKeys, destDir string) (*Result, error) {
	result := &Result{}
	_, err := sess.Get(ctx, keys, func(inst client.InboundInstance) error {
		attrs := &dicom.InstanceAttributes{
			SOPClassUID:    inst.SOPClassUID,
			SOPInstanceUID: inst.SOPInstanceUID,
		}
		file, err := dicom.BuildPart10(attrs, inst.TransferSyntax, inst.Dataset)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, inst.SOPInstanceUID+".dcm"), file, 0o640); err != nil {
			return adperrors.E(adperrors.KindTransientIO, "retrieve.get", err)
		}
		result.Count++
		result.InstanceUIDs = append(result.InstanceUIDs, inst.SOPInstanceUID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "retrieve.copy", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "retrieve.copy", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return adperrors.E(adperrors.KindTransientIO, "retrieve.copy", err)
	}
	return out.Close()
}
