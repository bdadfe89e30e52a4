package client

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/dicom"
	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/pdu"
	"github.com/radbridge/dicom-adapter/types"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testAssociation wires an Association directly to the near end of a pipe,
// skipping Dial, with the given contexts already negotiated.
func testAssociation(conn net.Conn, contexts map[string]pdu.AcceptedContext) *Association {
	return &Association{
		conn:          conn,
		cfg:           Config{DIMSETimeout: 2 * time.Second}.withDefaults(),
		contexts:      contexts,
		remoteMaxPDU:  pdu.DefaultMaxPDULength,
		nextMessageID: 1,
		log:           testLogger(),
	}
}

func acceptedVerification() map[string]pdu.AcceptedContext {
	return map[string]pdu.AcceptedContext{
		types.VerificationSOPClass: {ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian},
	}
}

func TestEchoSuccess(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		msg, err := dimse.ReadMessage(remote)
		if err != nil {
			return
		}
		rsp := &types.Message{
			CommandField:              types.CEchoRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       types.VerificationSOPClass,
			CommandDataSetType:        types.CommandDataSetTypeNull,
			Status:                    types.StatusSuccess,
		}
		dimse.WriteMessage(remote, msg.ContextID, pdu.DefaultMaxPDULength, rsp, nil)
	}()

	a := testAssociation(local, acceptedVerification())
	if err := a.Echo(context.Background()); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
}

func TestEchoNoContext(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	a := testAssociation(local, map[string]pdu.AcceptedContext{})
	err := a.Echo(context.Background())
	if !errors.Is(err, adperrors.ErrNoPresentationCtx) {
		t.Fatalf("err = %v, want ErrNoPresentationCtx", err)
	}
}

func TestFindStreamsPendingMatches(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	contexts := map[string]pdu.AcceptedContext{
		types.StudyRootQueryRetrieveInformationModelFind: {
			ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian,
		},
	}

	go func() {
		msg, err := dimse.ReadMessage(remote)
		if err != nil {
			return
		}
		for _, uid := range []string{"1.2.3", "1.2.4"} {
			match := dicom.NewDataset()
			match.PutString(types.TagQueryRetrieveLevel, "CS", "STUDY")
			match.PutString(types.TagStudyInstanceUID, "UI", uid)
			identifier, _ := match.Encode(types.ImplicitVRLittleEndian)
			pending := &types.Message{
				CommandField:              types.CFindRSP,
				MessageIDBeingRespondedTo: msg.Command.MessageID,
				AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
				Status:                    types.StatusPending,
			}
			dimse.WriteMessage(remote, msg.ContextID, pdu.DefaultMaxPDULength, pending, identifier)
		}
		final := &types.Message{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			CommandDataSetType:        types.CommandDataSetTypeNull,
			Status:                    types.StatusSuccess,
		}
		dimse.WriteMessage(remote, msg.ContextID, pdu.DefaultMaxPDULength, final, nil)
	}()

	a := testAssociation(local, contexts)
	var uids []string
	err := a.Find(context.Background(), types.QueryKeys{Level: types.QueryLevelStudy, PatientID: "P1"}, func(ds *dicom.Dataset) error {
		uids = append(uids, ds.GetString(types.TagStudyInstanceUID))
		return nil
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(uids) != 2 || uids[0] != "1.2.3" || uids[1] != "1.2.4" {
		t.Errorf("uids = %v", uids)
	}
}

func TestMoveCollectsSubOperationCounts(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	contexts := map[string]pdu.AcceptedContext{
		types.StudyRootQueryRetrieveInformationModelMove: {
			ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian,
		},
	}

	go func() {
		msg, err := dimse.ReadMessage(remote)
		if err != nil {
			return
		}
		if msg.Command.MoveDestination != "RADBRIDGE" {
			remote.Close()
			return
		}
		remaining, completed := uint16(1), uint16(1)
		pending := &types.Message{
			CommandField:                   types.CMoveRSP,
			MessageIDBeingRespondedTo:      msg.Command.MessageID,
			CommandDataSetType:             types.CommandDataSetTypeNull,
			Status:                         types.StatusPending,
			NumberOfRemainingSuboperations: &remaining,
			NumberOfCompletedSuboperations: &completed,
		}
		dimse.WriteMessage(remote, msg.ContextID, pdu.DefaultMaxPDULength, pending, nil)

		completed2, failed := uint16(2), uint16(0)
		final := &types.Message{
			CommandField:                   types.CMoveRSP,
			MessageIDBeingRespondedTo:      msg.Command.MessageID,
			CommandDataSetType:             types.CommandDataSetTypeNull,
			Status:                         types.StatusSuccess,
			NumberOfCompletedSuboperations: &completed2,
			NumberOfFailedSuboperations:    &failed,
		}
		dimse.WriteMessage(remote, msg.ContextID, pdu.DefaultMaxPDULength, final, nil)
	}()

	a := testAssociation(local, contexts)
	result, err := a.Move(context.Background(), "RADBRIDGE", types.QueryKeys{
		Level:            types.QueryLevelStudy,
		StudyInstanceUID: "1.2.3",
	})
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if result.Completed != 2 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestGetHandlesInlineSubOperations(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	contexts := map[string]pdu.AcceptedContext{
		types.StudyRootQueryRetrieveInformationModelGet: {
			ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian,
		},
		types.CTImageStorage: {
			ID: 3, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian,
		},
	}

	instance := dicom.NewDataset()
	instance.PutString(types.TagSOPClassUID, "UI", types.CTImageStorage)
	instance.PutString(types.TagSOPInstanceUID, "UI", "1.2.3.4")
	dataset := instance.EncodeImplicit()

	go func() {
		msg, err := dimse.ReadMessage(remote)
		if err != nil {
			return
		}
		subOp := &types.Message{
			CommandField:           types.CStoreRQ,
			MessageID:              99,
			AffectedSOPClassUID:    types.CTImageStorage,
			AffectedSOPInstanceUID: "1.2.3.4",
		}
		dimse.WriteMessage(remote, 3, pdu.DefaultMaxPDULength, subOp, dataset)

		ack, err := dimse.ReadMessage(remote)
		if err != nil || ack.Command.Status != types.StatusSuccess {
			remote.Close()
			return
		}
		completed := uint16(1)
		final := &types.Message{
			CommandField:                   types.CGetRSP,
			MessageIDBeingRespondedTo:      msg.Command.MessageID,
			CommandDataSetType:             types.CommandDataSetTypeNull,
			Status:                         types.StatusSuccess,
			NumberOfCompletedSuboperations: &completed,
		}
		dimse.WriteMessage(remote, msg.ContextID, pdu.DefaultMaxPDULength, final, nil)
	}()

	a := testAssociation(local, contexts)
	var got []InboundInstance
	result, err := a.Get(context.Background(), types.QueryKeys{Level: types.QueryLevelStudy, StudyInstanceUID: "1.2.3"}, func(inst InboundInstance) error {
		got = append(got, inst)
		return nil
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Completed != 1 {
		t.Errorf("Completed = %d", result.Completed)
	}
	if len(got) != 1 || got[0].SOPInstanceUID != "1.2.3.4" {
		t.Fatalf("instances = %+v", got)
	}
	if got[0].TransferSyntax != types.ImplicitVRLittleEndian {
		t.Errorf("TransferSyntax = %q", got[0].TransferSyntax)
	}
}

func TestNegotiateRejection(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		p, err := pdu.Read(remote)
		if err != nil || p.Type != pdu.TypeAssociateRQ {
			remote.Close()
			return
		}
		pdu.Write(remote, pdu.TypeAssociateRJ,
			pdu.EncodeAssociateRJ(adperrors.RejectResultPermanent, adperrors.RejectReasonCalledAETitleNotRecognized))
	}()

	a := testAssociation(local, map[string]pdu.AcceptedContext{})
	rq := &pdu.AssociateRQ{
		CalledAETitle:  "NOSUCHAE",
		CallingAETitle: "RADBRIDGE",
		MaxPDULength:   pdu.DefaultMaxPDULength,
		ProposedContexts: []pdu.ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	}
	err := a.negotiate(context.Background(), rq, []string{types.VerificationSOPClass})

	var assocErr *adperrors.AssociationError
	if !errors.As(err, &assocErr) {
		t.Fatalf("err = %v, want AssociationError", err)
	}
	if assocErr.Reason != adperrors.RejectReasonCalledAETitleNotRecognized {
		t.Errorf("Reason = %s", assocErr.Reason)
	}
}
