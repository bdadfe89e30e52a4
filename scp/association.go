package scp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/dicom"
	"github.com/radbridge/dicom-adapter/dimse"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/events"
	"github.com/radbridge/dicom-adapter/metrics"
	"github.com/radbridge/dicom-adapter/pdu"
	"github.com/radbridge/dicom-adapter/registry"
	"github.com/radbridge/dicom-adapter/staging"
	"github.com/radbridge/dicom-adapter/types"
)

// maxStoreFailures aborts an association after this many consecutive
// filesystem failures.
const maxStoreFailures = 3

type associationHandler struct {
	server *Server
	conn   net.Conn
	log    *logrus.Entry

	calledAE  *registry.CalledAE
	source    *registry.Source
	callingAE string
	// contexts maps accepted presentation context id to abstract and
	// transfer syntax.
	contexts map[byte]acceptedContext
	handle   *staging.Handle

	storeFailures int
}

type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

func (h *associationHandler) run(ctx context.Context) {
	defer h.conn.Close()
	defer func() {
		if h.handle != nil {
			metrics.StagingBytes.Set(float64(h.server.staging.UsedBytes()))
		}
	}()

	if !h.negotiate() {
		return
	}

	h.log = h.log.WithFields(logrus.Fields{
		"calling": h.callingAE,
		"called":  h.calledAE.AETitle,
		"source":  h.source.SourceID,
	})
	h.log.Info("association accepted")

	for {
		if err := ctx.Err(); err != nil {
			// Drain: let the peer finish the in-flight message exchange but
			// stop waiting for new ones beyond the DIMSE timeout.
			h.conn.SetDeadline(time.Now().Add(h.server.cfg.DIMSETimeout))
		} else {
			h.conn.SetDeadline(time.Now().Add(h.server.cfg.IdleTimeout))
		}

		msg, err := dimse.ReadMessage(h.conn)
		if err != nil {
			h.finish(err)
			return
		}

		h.conn.SetDeadline(time.Now().Add(h.server.cfg.DIMSETimeout))
		switch msg.Command.CommandField {
		case types.CEchoRQ:
			err = h.handleEcho(msg)
		case types.CStoreRQ:
			err = h.handleStore(msg)
		default:
			h.log.WithField("command", msg.Command.CommandField).Warn("unsupported DIMSE command, aborting")
			pdu.WriteAbort(h.conn, pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU)
			return
		}
		if err != nil {
			h.log.WithError(err).Warn("association failed")
			return
		}
	}
}

// finish handles the read-loop exit paths: graceful release, peer abort,
// timeouts.
func (h *associationHandler) finish(err error) {
	switch {
	case errors.Is(err, adperrors.ErrConnectionClosed):
		// A-RELEASE-RQ arrived; confirm it.
		pdu.WriteReleaseRP(h.conn)
		h.log.Info("association released")
	default:
		var abortErr *adperrors.AbortError
		if errors.As(err, &abortErr) {
			h.log.WithField("source", abortErr.Source).Warn("association aborted by peer")
			return
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.log.Warn("association timed out, aborting")
			pdu.WriteAbort(h.conn, pdu.AbortSourceServiceProvider, pdu.AbortReasonNotSpecified)
			return
		}
		h.log.WithError(err).Warn("association closed")
	}
}

// negotiate reads the A-ASSOCIATE-RQ, applies the AE policies and answers
// with AC or RJ. Returns false when the association must not proceed.
func (h *associationHandler) negotiate() bool {
	h.conn.SetDeadline(time.Now().Add(h.server.cfg.DIMSETimeout))

	p, err := pdu.Read(h.conn)
	if err != nil || p.Type != pdu.TypeAssociateRQ {
		h.log.Warn("connection without association request")
		return false
	}
	rq, err := pdu.ParseAssociateRQ(p.Data)
	if err != nil {
		h.log.WithError(err).Warn("malformed association request")
		pdu.WriteAbort(h.conn, pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU)
		return false
	}

	source, known := h.server.registry.Source(rq.CallingAETitle)
	if !known {
		h.reject(rq, adperrors.RejectReasonCallingAETitleNotRecognized, "unknown_calling_ae")
		return false
	}
	calledAE, known := h.server.registry.CalledAE(rq.CalledAETitle)
	if !known {
		h.reject(rq, adperrors.RejectReasonCalledAETitleNotRecognized, "unknown_called_ae")
		return false
	}
	if !calledAE.AcceptsSource(source.SourceID) {
		h.reject(rq, adperrors.RejectReasonCallingAETitleNotRecognized, "source_not_allowed")
		return false
	}
	if err := h.server.staging.CheckCapacity(); err != nil {
		// Refuse up front rather than taking instances we cannot stage.
		h.log.WithError(err).Warn("staging cannot take new associations")
		h.rejectTransient(rq, "staging_full")
		return false
	}

	h.calledAE = calledAE
	h.source = source
	h.callingAE = rq.CallingAETitle
	h.contexts = make(map[byte]acceptedContext)

	ac := &pdu.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   h.server.cfg.MaxPDULength,
	}
	for _, pc := range rq.ProposedContexts {
		accepted := h.evaluateContext(pc)
		ac.AcceptedContexts = append(ac.AcceptedContexts, accepted)
		if accepted.Accepted() {
			h.contexts[pc.ID] = acceptedContext{
				abstractSyntax: pc.AbstractSyntax,
				transferSyntax: accepted.TransferSyntax,
			}
		}
	}

	if err := pdu.Write(h.conn, pdu.TypeAssociateAC, ac.Encode()); err != nil {
		h.log.WithError(err).Warn("sending association accept failed")
		return false
	}
	return true
}

// evaluateContext applies SOP class policy and the preferred transfer
// syntax ordering to one proposed presentation context.
func (h *associationHandler) evaluateContext(pc pdu.ProposedContext) pdu.AcceptedContext {
	supported := pc.AbstractSyntax == types.VerificationSOPClass ||
		h.calledAE.AcceptsSOPClass(pc.AbstractSyntax)
	if !supported {
		return pdu.AcceptedContext{ID: pc.ID, Result: pdu.ResultAbstractSyntaxNotSupported}
	}

	proposed := make(map[string]bool, len(pc.TransferSyntaxes))
	for _, ts := range pc.TransferSyntaxes {
		proposed[ts] = true
	}
	preferred := h.server.cfg.PreferredTransferSyntaxes
	if len(preferred) == 0 {
		preferred = types.DefaultPreferredTransferSyntaxes
	}
	for _, ts := range preferred {
		if proposed[ts] {
			return pdu.AcceptedContext{ID: pc.ID, Result: pdu.ResultAcceptance, TransferSyntax: ts}
		}
	}
	// Fall back to any proposed syntax we can at least pass through.
	for _, ts := range pc.TransferSyntaxes {
		if types.IsSupportedTransferSyntax(ts) {
			return pdu.AcceptedContext{ID: pc.ID, Result: pdu.ResultAcceptance, TransferSyntax: ts}
		}
	}
	return pdu.AcceptedContext{ID: pc.ID, Result: pdu.ResultTransferSyntaxesNotSupported}
}

func (h *associationHandler) reject(rq *pdu.AssociateRQ, reason adperrors.AssociationRejectReason, metric string) {
	h.log.WithFields(logrus.Fields{
		"calling": rq.CallingAETitle,
		"called":  rq.CalledAETitle,
		"reason":  reason.String(),
	}).Warn("association rejected")
	pdu.Write(h.conn, pdu.TypeAssociateRJ, pdu.EncodeAssociateRJ(adperrors.RejectResultPermanent, reason))
	metrics.AssociationsRejected.WithLabelValues(metric).Inc()
}

func (h *associationHandler) rejectTransient(rq *pdu.AssociateRQ, metric string) {
	h.log.WithFields(logrus.Fields{
		"calling": rq.CallingAETitle,
		"called":  rq.CalledAETitle,
	}).Warn("association rejected (transient)")
	pdu.Write(h.conn, pdu.TypeAssociateRJ,
		pdu.EncodeAssociateRJ(adperrors.RejectResultTransient, adperrors.RejectReasonNoReasonGiven))
	metrics.AssociationsRejected.WithLabelValues(metric).Inc()
}

func (h *associationHandler) handleEcho(msg *dimse.CompleteMessage) error {
	rsp := &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		CommandDataSetType:        types.CommandDataSetTypeNull,
		Status:                    types.StatusSuccess,
	}
	return dimse.WriteMessage(h.conn, msg.ContextID, h.server.cfg.MaxPDULength, rsp, nil)
}

// handleStore writes the instance to staging as a part-10 file and
// publishes it before acknowledging, so grouping sees instances in receive
// order.
func (h *associationHandler) handleStore(msg *dimse.CompleteMessage) error {
	pc, ok := h.contexts[msg.ContextID]
	if !ok {
		return h.storeResponse(msg, types.StatusSOPClassNotSupported)
	}
	if !h.calledAE.AcceptsSOPClass(msg.Command.AffectedSOPClassUID) {
		metrics.InstancesRefused.WithLabelValues("sop_class").Inc()
		return h.storeResponse(msg, types.StatusSOPClassNotSupported)
	}

	attrs, err := dicom.ExtractAttributes(msg.Dataset, pc.transferSyntax)
	if err != nil {
		h.log.WithError(err).Warn("undecodable dataset")
		metrics.InstancesRefused.WithLabelValues("undecodable").Inc()
		return h.storeResponse(msg, types.StatusCannotUnderstand)
	}

	if h.handle == nil {
		handle, err := h.server.staging.Acquire(h.calledAE.AETitle)
		if err != nil {
			h.log.WithError(err).Error("staging acquire failed")
			metrics.InstancesRefused.WithLabelValues("staging").Inc()
			return h.storeResponse(msg, types.StatusOutOfResources)
		}
		h.handle = handle
	}

	file, err := dicom.BuildPart10(attrs, pc.transferSyntax, msg.Dataset)
	if err != nil {
		return h.storeFailure(msg, err)
	}
	path, err := h.handle.WriteFile(attrs.SOPInstanceUID+".dcm", file)
	if err != nil {
		return h.storeFailure(msg, err)
	}
	h.storeFailures = 0

	h.server.notifier.Publish(events.Instance{
		Path:           path,
		CalledAETitle:  h.calledAE.AETitle,
		CallingAETitle: h.callingAE,
		SourceID:       h.source.SourceID,
		TransferSyntax: pc.transferSyntax,
		ReceivedAt:     time.Now(),
		Attributes:     *attrs,
	})

	metrics.InstancesReceived.WithLabelValues(h.calledAE.AETitle).Inc()
	h.log.WithFields(logrus.Fields{
		"sop":   attrs.SOPInstanceUID,
		"study": attrs.StudyInstanceUID,
	}).Debug("instance stored")
	return h.storeResponse(msg, types.StatusSuccess)
}

// storeFailure answers one failed store with a retryable status; repeated
// failures abort the association.
func (h *associationHandler) storeFailure(msg *dimse.CompleteMessage, err error) error {
	h.storeFailures++
	h.log.WithError(err).WithField("failures", h.storeFailures).Error("storing instance failed")
	metrics.InstancesRefused.WithLabelValues("io").Inc()
	if h.storeFailures >= maxStoreFailures {
		pdu.WriteAbort(h.conn, pdu.AbortSourceServiceProvider, pdu.AbortReasonNotSpecified)
		return adperrors.E(adperrors.KindTransientIO, "scp.store", err)
	}
	return h.storeResponse(msg, types.StatusOutOfResources)
}

func (h *associationHandler) storeResponse(msg *dimse.CompleteMessage, status uint16) error {
	rsp := &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
		CommandDataSetType:        types.CommandDataSetTypeNull,
		Status:                    status,
	}
	return dimse.WriteMessage(h.conn, msg.ContextID, h.server.cfg.MaxPDULength, rsp, nil)
}
