// Package scp implements the storage SCP: the listener, association
// negotiation against the configured AE policies, and the C-STORE and
// C-ECHO services feeding staging and the instance notifier.
package scp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/events"
	"github.com/radbridge/dicom-adapter/metrics"
	"github.com/radbridge/dicom-adapter/pdu"
	"github.com/radbridge/dicom-adapter/registry"
	"github.com/radbridge/dicom-adapter/staging"
)

// Config holds the listener settings.
type Config struct {
	Listen                    string
	MaxAssociations           int
	DIMSETimeout              time.Duration
	IdleTimeout               time.Duration
	MaxPDULength              uint32
	PreferredTransferSyntaxes []string
}

func (c Config) withDefaults() Config {
	if c.MaxAssociations <= 0 {
		c.MaxAssociations = 25
	}
	if c.DIMSETimeout == 0 {
		c.DIMSETimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	return c
}

// Server accepts inbound associations and fans each out to its own handler
// goroutine, bounded by a semaphore.
type Server struct {
	cfg      Config
	registry *registry.Registry
	staging  *staging.Manager
	notifier *events.Notifier
	log      *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	handlers sync.WaitGroup
}

// New builds a server.
func New(cfg Config, reg *registry.Registry, stage *staging.Manager, notifier *events.Notifier, log *logrus.Entry) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		registry: reg,
		staging:  stage,
		notifier: notifier,
		log:      log,
	}
}

// Addr returns the bound listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the listener without accepting yet.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "scp.listen", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.WithField("addr", l.Addr().String()).Info("storage scp listening")
	return nil
}

// Run accepts associations until ctx is done, then drains: the listener
// closes, in-flight associations run to release or timeout.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.listener
		s.mu.Unlock()
	}

	sem := semaphore.NewWeighted(int64(s.cfg.MaxAssociations))

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("storage scp draining")
				s.handlers.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.handlers.Wait()
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		if !sem.TryAcquire(1) {
			// Full house: refuse at the DICOM layer so the peer can retry.
			s.rejectBusy(conn)
			continue
		}

		s.handlers.Add(1)
		metrics.AssociationsActive.Inc()
		go func() {
			defer func() {
				sem.Release(1)
				metrics.AssociationsActive.Dec()
				s.handlers.Done()
			}()
			h := &associationHandler{
				server: s,
				conn:   conn,
				log:    s.log.WithField("peer", conn.RemoteAddr().String()),
			}
			h.run(ctx)
		}()
	}
}

// rejectBusy answers the association request with a transient rejection.
func (s *Server) rejectBusy(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := pdu.Read(conn); err != nil {
		return
	}
	pdu.Write(conn, pdu.TypeAssociateRJ,
		pdu.EncodeAssociateRJ(adperrors.RejectResultTransient, adperrors.RejectReasonNoReasonGiven))
	metrics.AssociationsRejected.WithLabelValues("busy").Inc()
}
