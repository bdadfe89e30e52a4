// Package config loads and validates the adapter's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	adperrors "github.com/radbridge/dicom-adapter/errors"
)

// Duration wraps time.Duration with YAML decoding of "30s" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns the duration, or fallback when unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Config is the root configuration document.
type Config struct {
	DICOM    DICOM      `yaml:"dicom"`
	Storage  Storage    `yaml:"storage"`
	Services Services   `yaml:"services"`
	Sources  []Source   `yaml:"sources" validate:"min=1,dive"`
	AETitles []CalledAE `yaml:"aetitles" validate:"min=1,dive"`
}

// DICOM groups the SCP and SCU network settings.
type DICOM struct {
	SCP SCP `yaml:"scp"`
	SCU SCU `yaml:"scu"`
}

// SCP configures the storage SCP listener.
type SCP struct {
	Listen          string   `yaml:"listen" validate:"required"`
	MaxAssociations int      `yaml:"max_associations"`
	DIMSETimeout    Duration `yaml:"dimse_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
}

// SCU configures outbound DICOM operations.
type SCU struct {
	AETitle                   string   `yaml:"ae_title" validate:"required,max=16"`
	MaxPDULength              uint32   `yaml:"max_pdu_length"`
	PreferredTransferSyntaxes []string `yaml:"preferred_transfer_syntaxes"`
	// MoveDestination is the local AE title given to remote archives as the
	// C-MOVE destination; it must resolve back to this adapter's SCP.
	MoveDestination string `yaml:"move_destination"`
}

// Storage configures the staging filesystem.
type Storage struct {
	StagingRoot    string   `yaml:"staging_root" validate:"required"`
	Retention      Duration `yaml:"retention"`
	HighWaterBytes int64    `yaml:"high_water_bytes"`
}

// Services configures the external collaborators.
type Services struct {
	Platform Platform `yaml:"platform"`
	Requests Requests `yaml:"requests"`
}

// Platform configures the inference platform client.
type Platform struct {
	Endpoint          string   `yaml:"endpoint" validate:"required,url"`
	Timeout           Duration `yaml:"timeout"`
	RetrievalFallback bool     `yaml:"retrieval_fallback"`
}

// Requests configures the inference request store and worker pool.
type Requests struct {
	Database         string   `yaml:"database" validate:"required"`
	Workers          int      `yaml:"workers"`
	MaxRetries       int      `yaml:"max_retries"`
	RetrievalTimeout Duration `yaml:"retrieval_timeout"`
}

// Source is one entry of the calling-AE allow list.
type Source struct {
	AETitle  string `yaml:"ae_title" validate:"required,max=16"`
	SourceID string `yaml:"source_id" validate:"required"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// CalledAE is one local AE title configuration.
type CalledAE struct {
	AETitle        string            `yaml:"ae_title" validate:"required,max=16"`
	Grouping       string            `yaml:"grouping" validate:"omitempty,oneof=none patient_id study_instance_uid calling_aet"`
	Timeout        Duration          `yaml:"timeout"`
	MaxAge         Duration          `yaml:"max_age"`
	Priority       uint8             `yaml:"priority"`
	Pipelines      map[string]string `yaml:"pipelines" validate:"min=1"`
	AllowedSOPs    []string          `yaml:"allowed_sops"`
	AllowedSources []string          `yaml:"allowed_sources"`
}

// Defaults applied after decode.
const (
	DefaultMaxAssociations  = 25
	DefaultDIMSETimeout     = 30 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultQuietPeriod      = 5 * time.Second
	DefaultBucketMaxAge     = 60 * time.Second
	DefaultPlatformTimeout  = 30 * time.Second
	DefaultRetention        = 24 * time.Hour
	DefaultRetrievalTimeout = 10 * time.Minute
	DefaultPriority         = 128
)

var validate = validator.New()

// Load reads, decodes, validates and defaults a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, adperrors.E(adperrors.KindConfigInvalid, "config.load", err)
	}
	return Parse(raw)
}

// Parse decodes and validates configuration bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, adperrors.E(adperrors.KindConfigInvalid, "config.parse", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, adperrors.E(adperrors.KindConfigInvalid, "config.validate", err)
	}
	cfg.applyDefaults()
	if err := cfg.check(); err != nil {
		return nil, adperrors.E(adperrors.KindConfigInvalid, "config.check", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DICOM.SCP.MaxAssociations <= 0 {
		c.DICOM.SCP.MaxAssociations = DefaultMaxAssociations
	}
	if c.Services.Requests.Workers <= 0 {
		c.Services.Requests.Workers = 1
	}
	if c.Services.Requests.MaxRetries <= 0 {
		c.Services.Requests.MaxRetries = 3
	}
	for i := range c.AETitles {
		ae := &c.AETitles[i]
		if ae.Grouping == "" {
			ae.Grouping = "study_instance_uid"
		}
		if ae.Priority == 0 {
			ae.Priority = DefaultPriority
		}
	}
}

// check enforces the cross-field rules the struct tags cannot express.
func (c *Config) check() error {
	sources := make(map[string]bool, len(c.Sources))
	ids := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if sources[s.AETitle] {
			return fmt.Errorf("duplicate source AE title %q", s.AETitle)
		}
		if ids[s.SourceID] {
			return fmt.Errorf("duplicate source id %q", s.SourceID)
		}
		sources[s.AETitle] = true
		ids[s.SourceID] = true
	}

	called := make(map[string]bool, len(c.AETitles))
	for _, ae := range c.AETitles {
		if called[ae.AETitle] {
			return fmt.Errorf("duplicate called AE title %q", ae.AETitle)
		}
		called[ae.AETitle] = true
		for _, src := range ae.AllowedSources {
			if !ids[src] {
				return fmt.Errorf("called AE %q allows unknown source %q", ae.AETitle, src)
			}
		}
	}
	return nil
}
