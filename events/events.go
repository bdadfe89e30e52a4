// Package events carries received-instance notifications from the storage
// SCP to the grouping engine and any retrieval waiting on inbound sub-operations.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/dicom"
)

// Instance describes one stored SOP instance.
type Instance struct {
	Path           string
	CalledAETitle  string
	CallingAETitle string
	SourceID       string
	TransferSyntax string
	ReceivedAt     time.Time
	Attributes     dicom.InstanceAttributes
}

// Handler consumes instance notifications. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Instance)

// Notifier fans out instance notifications to subscribers in subscription
// order. A panicking handler is logged and does not affect the others.
type Notifier struct {
	mu       sync.RWMutex
	handlers []subscription
	nextID   int
	log      *logrus.Entry
}

type subscription struct {
	id int
	fn Handler
}

// NewNotifier returns an empty notifier.
func NewNotifier(log *logrus.Entry) *Notifier {
	return &Notifier{log: log}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (n *Notifier) Subscribe(fn Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers = append(n.handlers, subscription{id: id, fn: fn})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.handlers {
			if s.id == id {
				n.handlers = append(n.handlers[:i], n.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the instance to every subscriber before returning. The
// SCP publishes before acknowledging a C-STORE, so delivery order matches
// arrival order within an association.
func (n *Notifier) Publish(inst Instance) {
	n.mu.RLock()
	handlers := make([]subscription, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.RUnlock()

	for _, s := range handlers {
		n.deliver(s, inst)
	}
}

func (n *Notifier) deliver(s subscription, inst Instance) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithFields(logrus.Fields{
				"subscriber": s.id,
				"panic":      r,
				"sop":        inst.Attributes.SOPInstanceUID,
			}).Error("instance handler panicked")
		}
	}()
	s.fn(inst)
}
