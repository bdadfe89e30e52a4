package client

import (
	"context"

	"github.com/radbridge/dicom-adapter/dicom"
	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/types"
)

// Store sends one instance with C-STORE. The dataset must already be in the
// transfer syntax negotiated for the instance's SOP class; part-10 headers
// are stripped if present.
func (a *Association) Store(ctx context.Context, data []byte) error {
	dataset := data
	ts := types.ExplicitVRLittleEndian
	if dicom.HasPart10Header(data) {
		var err error
		dataset, ts, err = dicom.StripPart10Header(data)
		if err != nil {
			return err
		}
	}

	attrs, err := dicom.ExtractAttributes(dataset, ts)
	if err != nil {
		return err
	}

	acc, err := a.contextFor(attrs.SOPClassUID)
	if err != nil {
		return err
	}

	a.applyDeadline(ctx)
	msg := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              a.messageID(),
		AffectedSOPClassUID:    attrs.SOPClassUID,
		AffectedSOPInstanceUID: attrs.SOPInstanceUID,
		Priority:               1,
	}
	if err := dimse.WriteMessage(a.conn, acc.ID, a.remoteMaxPDU, msg, dataset); err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.store", err)
	}

	rsp, err := dimse.ReadMessage(a.conn)
	if err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.store", err)
	}
	if types.IsFailureStatus(rsp.Command.Status) {
		return adperrors.NewDIMSEError(rsp.Command.Status, "C-STORE", attrs.SOPInstanceUID)
	}
	return nil
}
