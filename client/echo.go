package client

import (
	"context"

	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/types"
)

// Echo performs a C-ECHO round trip.
func (a *Association) Echo(ctx context.Context) error {
	acc, err := a.contextFor(types.VerificationSOPClass)
	if err != nil {
		return err
	}

	a.applyDeadline(ctx)
	msg := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           a.messageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.CommandDataSetTypeNull,
	}
	if err := dimse.WriteMessage(a.conn, acc.ID, a.remoteMaxPDU, msg, nil); err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.echo", err)
	}

	rsp, err := dimse.ReadMessage(a.conn)
	if err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.echo", err)
	}
	if rsp.Command.Status != types.StatusSuccess {
		return adperrors.NewDIMSEError(rsp.Command.Status, "C-ECHO", "verification failed")
	}
	return nil
}
