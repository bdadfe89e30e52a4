package client

import (
	"context"

	"github.com/radbridge/dicom-adapter/dicom"
	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/types"
)

// buildIdentifier turns query keys into a C-FIND/C-MOVE identifier dataset.
// Empty selector fields become universal matches only when requested as
// return keys; here we only encode populated selectors plus the study UID
// return key.
func buildIdentifier(keys types.QueryKeys) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.PutString(types.TagQueryRetrieveLevel, "CS", string(keys.Level))
	ds.PutString(types.TagStudyInstanceUID, "UI", keys.StudyInstanceUID)
	if keys.PatientID != "" {
		ds.PutString(types.TagPatientID, "LO", keys.PatientID)
	}
	if keys.AccessionNumber != "" {
		ds.PutString(types.TagAccessionNumber, "SH", keys.AccessionNumber)
	}
	if keys.Modality != "" {
		ds.PutString(types.TagModality, "CS", keys.Modality)
	}
	return ds
}

// Find issues a Study Root C-FIND and streams each pending match to fn.
// Returning an error from fn stops the iteration with C-CANCEL semantics
// left to the association teardown.
func (a *Association) Find(ctx context.Context, keys types.QueryKeys, fn func(*dicom.Dataset) error) error {
	acc, err := a.contextFor(types.StudyRootQueryRetrieveInformationModelFind)
	if err != nil {
		return err
	}

	identifier, err := buildIdentifier(keys).Encode(acc.TransferSyntax)
	if err != nil {
		return err
	}

	a.applyDeadline(ctx)
	msg := &types.Message{
		CommandField:        types.CFindRQ,
		MessageID:           a.messageID(),
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelFind,
		Priority:            1,
	}
	if err := dimse.WriteMessage(a.conn, acc.ID, a.remoteMaxPDU, msg, identifier); err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.find", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.applyDeadline(ctx)
		rsp, err := dimse.ReadMessage(a.conn)
		if err != nil {
			return adperrors.E(adperrors.KindTransientRemote, "client.find", err)
		}

		status := rsp.Command.Status
		if types.IsPendingStatus(status) {
			match, err := dicom.Decode(rsp.Dataset, acc.TransferSyntax)
			if err != nil {
				return err
			}
			if err := fn(match); err != nil {
				return err
			}
			continue
		}
		if status == types.StatusSuccess {
			return nil
		}
		if status == types.StatusCancel {
			return context.Canceled
		}
		return adperrors.NewDIMSEError(status, "C-FIND", "query failed")
	}
}
