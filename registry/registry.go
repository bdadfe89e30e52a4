// Package registry holds the runtime view of the configured AE titles and
// sources. Lookups run on every inbound association, so the registry keeps an
// immutable snapshot behind an atomic pointer and swaps the whole snapshot on
// reload.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/config"
	"github.com/radbridge/dicom-adapter/types"
)

// GroupingKey selects the attribute that buckets instances arriving on a
// called AE.
type GroupingKey int

const (
	GroupNone GroupingKey = iota
	GroupPatientID
	GroupStudyInstanceUID
	GroupCallingAET
)

func (k GroupingKey) String() string {
	switch k {
	case GroupNone:
		return "none"
	case GroupPatientID:
		return "patient_id"
	case GroupStudyInstanceUID:
		return "study_instance_uid"
	case GroupCallingAET:
		return "calling_aet"
	}
	return "unknown"
}

func parseGroupingKey(s string) GroupingKey {
	switch s {
	case "none":
		return GroupNone
	case "patient_id":
		return GroupPatientID
	case "calling_aet":
		return GroupCallingAET
	default:
		return GroupStudyInstanceUID
	}
}

// Source identifies a known calling AE.
type Source struct {
	AETitle  string
	SourceID string
	Host     string
	Port     int
}

// CalledAE is the resolved policy for one local AE title.
type CalledAE struct {
	AETitle     string
	Grouping    GroupingKey
	QuietPeriod time.Duration
	MaxAge      time.Duration
	Priority    uint8
	// Pipelines maps pipeline name to platform pipeline identifier. Every
	// completed bucket fans out to all of them.
	Pipelines map[string]string

	allowedSOPs    map[string]bool
	allowedSources map[string]bool
}

// AcceptsSOPClass reports whether the AE accepts instances of the given SOP
// class. An empty allow list accepts any storage SOP class.
func (ae *CalledAE) AcceptsSOPClass(uid string) bool {
	if len(ae.allowedSOPs) == 0 {
		return types.IsStorageSOPClass(uid)
	}
	return ae.allowedSOPs[uid]
}

// AcceptsSource reports whether the AE accepts instances from the given
// source. An empty allow list accepts any registered source.
func (ae *CalledAE) AcceptsSource(sourceID string) bool {
	if len(ae.allowedSources) == 0 {
		return true
	}
	return ae.allowedSources[sourceID]
}

type snapshot struct {
	calledAEs map[string]*CalledAE
	sources   map[string]*Source
}

// Registry answers AE policy questions for the SCP and the grouping engine.
type Registry struct {
	current atomic.Pointer[snapshot]
	log     *logrus.Entry
}

// New builds a registry from a loaded configuration.
func New(cfg *config.Config, log *logrus.Entry) *Registry {
	r := &Registry{log: log}
	r.load(cfg)
	return r
}

func (r *Registry) load(cfg *config.Config) {
	snap := &snapshot{
		calledAEs: make(map[string]*CalledAE, len(cfg.AETitles)),
		sources:   make(map[string]*Source, len(cfg.Sources)),
	}
	for _, s := range cfg.Sources {
		snap.sources[s.AETitle] = &Source{
			AETitle:  s.AETitle,
			SourceID: s.SourceID,
			Host:     s.Host,
			Port:     s.Port,
		}
	}
	for _, ae := range cfg.AETitles {
		entry := &CalledAE{
			AETitle:     ae.AETitle,
			Grouping:    parseGroupingKey(ae.Grouping),
			QuietPeriod: ae.Timeout.Or(config.DefaultQuietPeriod),
			MaxAge:      ae.MaxAge.Or(config.DefaultBucketMaxAge),
			Priority:    ae.Priority,
			Pipelines:   ae.Pipelines,
		}
		if len(ae.AllowedSOPs) > 0 {
			entry.allowedSOPs = make(map[string]bool, len(ae.AllowedSOPs))
			for _, uid := range ae.AllowedSOPs {
				entry.allowedSOPs[uid] = true
			}
		}
		if len(ae.AllowedSources) > 0 {
			entry.allowedSources = make(map[string]bool, len(ae.AllowedSources))
			for _, id := range ae.AllowedSources {
				entry.allowedSources[id] = true
			}
		}
		snap.calledAEs[ae.AETitle] = entry
	}
	r.current.Store(snap)
}

// CalledAE looks up the policy for a local AE title. Lookup is exact and
// case sensitive per PS3.8.
func (r *Registry) CalledAE(aeTitle string) (*CalledAE, bool) {
	ae, ok := r.current.Load().calledAEs[aeTitle]
	return ae, ok
}

// Source looks up a calling AE title in the source allow list.
func (r *Registry) Source(aeTitle string) (*Source, bool) {
	s, ok := r.current.Load().sources[aeTitle]
	return s, ok
}

// CalledAETitles returns the configured local AE titles.
func (r *Registry) CalledAETitles() []string {
	snap := r.current.Load()
	titles := make([]string, 0, len(snap.calledAEs))
	for t := range snap.calledAEs {
		titles = append(titles, t)
	}
	return titles
}

// Watch reloads the registry when the configuration file changes. Parse or
// validation failures keep the previous snapshot. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	r.log.WithField("path", path).Info("watching configuration for changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path)
			if err != nil {
				r.log.WithError(err).Warn("configuration reload failed, keeping previous")
				continue
			}
			r.load(cfg)
			r.log.WithFields(logrus.Fields{
				"aetitles": len(cfg.AETitles),
				"sources":  len(cfg.Sources),
			}).Info("configuration reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("configuration watcher error")
		}
	}
}
