// Package client implements the outbound DICOM side: association setup and
// the C-ECHO, C-STORE, C-FIND, C-MOVE and C-GET service users.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/pdu"
	"github.com/radbridge/dicom-adapter/types"
)

// Config describes one remote peer.
type Config struct {
	Addr                      string
	LocalAETitle              string
	RemoteAETitle             string
	MaxPDULength              uint32
	PreferredTransferSyntaxes []string
	DialTimeout               time.Duration
	DIMSETimeout              time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if len(c.PreferredTransferSyntaxes) == 0 {
		c.PreferredTransferSyntaxes = types.DefaultPreferredTransferSyntaxes
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.DIMSETimeout == 0 {
		c.DIMSETimeout = 30 * time.Second
	}
	return c
}

// Association is one negotiated association acting as SCU.
type Association struct {
	conn          net.Conn
	cfg           Config
	contexts      map[string]pdu.AcceptedContext
	remoteMaxPDU  uint32
	nextMessageID uint16
	log           *logrus.Entry
}

// Dial connects and negotiates an association proposing the given abstract
// syntaxes, each with the configured preferred transfer syntaxes.
func Dial(ctx context.Context, cfg Config, abstractSyntaxes []string, log *logrus.Entry) (*Association, error) {
	cfg = cfg.withDefaults()

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, adperrors.E(adperrors.KindTransientRemote, "client.dial", err)
	}

	rq := &pdu.AssociateRQ{
		CalledAETitle:  cfg.RemoteAETitle,
		CallingAETitle: cfg.LocalAETitle,
		MaxPDULength:   cfg.MaxPDULength,
	}
	for i, as := range abstractSyntaxes {
		rq.ProposedContexts = append(rq.ProposedContexts, pdu.ProposedContext{
			ID:               byte(2*i + 1),
			AbstractSyntax:   as,
			TransferSyntaxes: cfg.PreferredTransferSyntaxes,
		})
	}

	a := &Association{
		conn:          conn,
		cfg:           cfg,
		contexts:      make(map[string]pdu.AcceptedContext),
		nextMessageID: 1,
		log: log.WithFields(logrus.Fields{
			"remote": cfg.Addr,
			"called": cfg.RemoteAETitle,
		}),
	}

	if err := a.negotiate(ctx, rq, abstractSyntaxes); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Association) negotiate(ctx context.Context, rq *pdu.AssociateRQ, abstractSyntaxes []string) error {
	a.applyDeadline(ctx)
	if err := pdu.Write(a.conn, pdu.TypeAssociateRQ, rq.Encode()); err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.associate", err)
	}

	p, err := pdu.Read(a.conn)
	if err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.associate", err)
	}

	switch p.Type {
	case pdu.TypeAssociateAC:
		ac, err := pdu.ParseAssociateAC(p.Data)
		if err != nil {
			return err
		}
		a.remoteMaxPDU = ac.MaxPDULength
		if a.remoteMaxPDU == 0 {
			a.remoteMaxPDU = pdu.DefaultMaxPDULength
		}
		byID := make(map[byte]pdu.AcceptedContext, len(ac.AcceptedContexts))
		for _, acc := range ac.AcceptedContexts {
			byID[acc.ID] = acc
		}
		for _, pc := range rq.ProposedContexts {
			if acc, ok := byID[pc.ID]; ok && acc.Accepted() {
				a.contexts[pc.AbstractSyntax] = acc
			}
		}
		if len(a.contexts) == 0 {
			return adperrors.ErrNoPresentationCtx
		}
		a.log.WithField("contexts", len(a.contexts)).Debug("association established")
		return nil
	case pdu.TypeAssociateRJ:
		assocErr, err := pdu.ParseAssociateRJ(p.Data)
		if err != nil {
			return err
		}
		return assocErr
	case pdu.TypeAbort:
		source, reason := pdu.ParseAbort(p.Data)
		return &adperrors.AbortError{Source: source, Reason: reason}
	default:
		return fmt.Errorf("%w: unexpected PDU type 0x%02x during negotiation", adperrors.ErrInvalidPDU, p.Type)
	}
}

// contextFor returns the accepted presentation context for an abstract
// syntax.
func (a *Association) contextFor(abstractSyntax string) (pdu.AcceptedContext, error) {
	acc, ok := a.contexts[abstractSyntax]
	if !ok {
		return pdu.AcceptedContext{}, fmt.Errorf("%w: %s", adperrors.ErrNoPresentationCtx, abstractSyntax)
	}
	return acc, nil
}

func (a *Association) messageID() uint16 {
	id := a.nextMessageID
	a.nextMessageID++
	if a.nextMessageID == 0 {
		a.nextMessageID = 1
	}
	return id
}

// applyDeadline sets the connection deadline from ctx or the DIMSE timeout,
// whichever is sooner.
func (a *Association) applyDeadline(ctx context.Context) {
	deadline := time.Now().Add(a.cfg.DIMSETimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	a.conn.SetDeadline(deadline)
}

// Release performs a graceful A-RELEASE handshake and closes the
// connection.
func (a *Association) Release(ctx context.Context) error {
	defer a.conn.Close()
	a.applyDeadline(ctx)
	if err := pdu.WriteReleaseRQ(a.conn); err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.release", err)
	}
	p, err := pdu.Read(a.conn)
	if err != nil {
		return adperrors.E(adperrors.KindTransientRemote, "client.release", err)
	}
	if p.Type != pdu.TypeReleaseRP {
		return fmt.Errorf("%w: expected release response, got 0x%02x", adperrors.ErrInvalidPDU, p.Type)
	}
	return nil
}

// Abort sends A-ABORT and closes the connection.
func (a *Association) Abort() error {
	defer a.conn.Close()
	pdu.WriteAbort(a.conn, pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified)
	return nil
}

// Close tears the connection down without a release handshake.
func (a *Association) Close() error { return a.conn.Close() }
