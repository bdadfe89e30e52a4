package client

import (
	"context"

	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/types"
)

// InboundInstance is one instance delivered inline by a C-GET.
type InboundInstance struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Dataset        []byte
}

// Get issues a Study Root C-GET. Matching instances arrive as C-STORE
// sub-operations on the same association; each is handed to fn before the
// sub-operation is acknowledged. A handler error refuses the instance with
// an out-of-resources status.
func (a *Association) Get(ctx context.Context, keys types.QueryKeys, fn func(InboundInstance) error) (*MoveResult, error) {
	acc, err := a.contextFor(types.StudyRootQueryRetrieveInformationModelGet)
	if err != nil {
		return nil, err
	}

	identifier, err := buildIdentifier(keys).Encode(acc.TransferSyntax)
	if err != nil {
		return nil, err
	}

	a.applyDeadline(ctx)
	msg := &types.Message{
		CommandField:        types.CGetRQ,
		MessageID:           a.messageID(),
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelGet,
		Priority:            1,
	}
	if err := dimse.WriteMessage(a.conn, acc.ID, a.remoteMaxPDU, msg, identifier); err != nil {
		return nil, adperrors.E(adperrors.KindTransientRemote, "client.get", err)
	}

	result := &MoveResult{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.applyDeadline(ctx)
		rsp, err := dimse.ReadMessage(a.conn)
		if err != nil {
			return nil, adperrors.E(adperrors.KindTransientRemote, "client.get", err)
		}

		cmd := rsp.Command
		if cmd.CommandField == types.CStoreRQ {
			if err := a.handleSubOperation(rsp, fn); err != nil {
				return nil, err
			}
			continue
		}

		if cmd.NumberOfCompletedSuboperations != nil {
			result.Completed = *cmd.NumberOfCompletedSuboperations
		}
		if cmd.NumberOfFailedSuboperations != nil {
			result.Failed = *cmd.NumberOfFailedSuboperations
		}
		if cmd.NumberOfWarningSuboperations != nil {
			result.Warning = *cmd.NumberOfWarningSuboperations
		}

		if types.IsPendingStatus(cmd.Status) {
			continue
		}
		if cmd.Status == types.StatusSuccess {
			return result, nil
		}
		return nil, adperrors.NewDIMSEError(cmd.Status, "C-GET", "retrieval failed")
	}
}

// handleSubOperation stores one inbound instance and acknowledges it on the
// presentation context it arrived on.
func (a *Association) handleSubOperation(rsp *dimse.CompleteMessage, fn func(InboundInstance) error) error {
	ts := types.ImplicitVRLittleEndian
	for _, acc := range a.contexts {
		if acc.ID == rsp.ContextID {
			ts = acc.TransferSyntax
			break
		}
	}

	status := uint16(types.StatusSuccess)
	if err := fn(InboundInstance{
		SOPClassUID:    rsp.Command.AffectedSOPClassUID,
		SOPInstanceUID: rsp.Command.AffectedSOPInstanceUID,
		TransferSyntax: ts,
		Dataset:        rsp.Dataset,
	}); err != nil {
		a.log.WithError(err).WithField("sop", rsp.Command.AffectedSOPInstanceUID).
			Warn("inbound sub-operation refused")
		status = types.StatusOutOfResources
	}

	ack := &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: rsp.Command.MessageID,
		AffectedSOPClassUID:       rsp.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    rsp.Command.AffectedSOPInstanceUID,
		CommandDataSetType:        types.CommandDataSetTypeNull,
		Status:                    status,
	}
	if err := dimse.WriteMessage(a.conn, rsp.ContextID, a.remoteMaxPDU, ack, nil); err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.get", err)
	}
	return nil
}
