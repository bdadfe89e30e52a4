package client

import (
	"context"

	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/types"
)

// MoveResult summarizes a completed C-MOVE.
type MoveResult struct {
	Completed uint16
	Failed    uint16
	Warning   uint16
}

// Move issues a Study Root C-MOVE directing the remote to store matching
// instances at the destination AE. The caller receives those instances out
// of band, through its own storage SCP.
func (a *Association) Move(ctx context.Context, destination string, keys types.QueryKeys) (*MoveResult, error) {
	acc, err := a.contextFor(types.StudyRootQueryRetrieveInformationModelMove)
	if err != nil {
		return nil, err
	}

	identifier, err := buildIdentifier(keys).Encode(acc.TransferSyntax)
	if err != nil {
		return nil, err
	}

	a.applyDeadline(ctx)
	msg := &types.Message{
		CommandField:        types.CMoveRQ,
		MessageID:           a.messageID(),
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
		Priority:            1,
		MoveDestination:     destination,
	}
	if err := dimse.WriteMessage(a.conn, acc.ID, a.remoteMaxPDU, msg, identifier); err != nil {
		return nil, adperrors.E(adperrors.KindTransientRemote, "client.move", err)
	}

	result := &MoveResult{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.applyDeadline(ctx)
		rsp, err := dimse.ReadMessage(a.conn)
		if err != nil {
			return nil, adperrors.E(adperrors.KindTransientRemote, "client.move", err)
		}

		cmd := rsp.Command
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
		if cmd.Status == types.StatusMoveDestinationUnknown {
			return nil, adperrors.NewDIMSEError(cmd.Status, "C-MOVE", "move destination "+destination+" unknown to remote")
		}
		return nil, adperrors.NewDIMSEError(cmd.Status, "C-MOVE", "retrieval failed")
	}
}
