package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
dicom:
  scp:
    listen: ":11112"
    max_associations: 50
    dimse_timeout: 30s
    idle_timeout: 60s
  scu:
    ae_title: RADBRIDGE
    move_destination: RADBRIDGE
storage:
  staging_root: /var/lib/dicom-adapter/staging
  retention: 24h
  high_water_bytes: 10737418240
services:
  platform:
    endpoint: http://platform:5000
    timeout: 30s
  requests:
    database: /var/lib/dicom-adapter/requests.db
    workers: 2
sources:
  - ae_title: PACS1
    source_id: main-pacs
    host: pacs1.hospital.local
    port: 104
  - ae_title: MODALITY1
    source_id: ct-scanner
aetitles:
  - ae_title: ORGANSEG
    grouping: study_instance_uid
    timeout: 5s
    max_age: 60s
    priority: 200
    pipelines:
      organ-segmentation: pipeline-organ-1
    allowed_sources: [main-pacs]
  - ae_title: CHESTXR
    pipelines:
      chest-classifier: pipeline-chest-1
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":11112", cfg.DICOM.SCP.Listen)
	assert.Equal(t, 50, cfg.DICOM.SCP.MaxAssociations)
	assert.Equal(t, 30*time.Second, cfg.DICOM.SCP.DIMSETimeout.Std())
	assert.Equal(t, "RADBRIDGE", cfg.DICOM.SCU.AETitle)
	assert.Equal(t, int64(10737418240), cfg.Storage.HighWaterBytes)
	assert.Equal(t, 2, cfg.Services.Requests.Workers)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "main-pacs", cfg.Sources[0].SourceID)

	require.Len(t, cfg.AETitles, 2)
	organ := cfg.AETitles[0]
	assert.Equal(t, "study_instance_uid", organ.Grouping)
	assert.Equal(t, uint8(200), organ.Priority)
	assert.Equal(t, []string{"main-pacs"}, organ.AllowedSources)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	chest := cfg.AETitles[1]
	assert.Equal(t, "study_instance_uid", chest.Grouping, "grouping defaults to study")
	assert.Equal(t, uint8(DefaultPriority), chest.Priority)
	assert.Equal(t, 3, cfg.Services.Requests.MaxRetries)
	assert.Equal(t, DefaultQuietPeriod, chest.Timeout.Or(DefaultQuietPeriod))
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing listen": `
dicom:
  scu: {ae_title: A}
storage: {staging_root: /tmp}
services:
  platform: {endpoint: http://p:5000}
  requests: {database: /tmp/r.db}
sources: [{ae_title: P, source_id: p}]
aetitles: [{ae_title: A, pipelines: {x: y}}]
`,
		"ae title too long": `
dicom:
  scp: {listen: ":104"}
  scu: {ae_title: THIS_AE_TITLE_IS_TOO_LONG}
storage: {staging_root: /tmp}
services:
  platform: {endpoint: http://p:5000}
  requests: {database: /tmp/r.db}
sources: [{ae_title: P, source_id: p}]
aetitles: [{ae_title: A, pipelines: {x: y}}]
`,
		"unknown grouping": `
dicom:
  scp: {listen: ":104"}
  scu: {ae_title: A}
storage: {staging_root: /tmp}
services:
  platform: {endpoint: http://p:5000}
  requests: {database: /tmp/r.db}
sources: [{ae_title: P, source_id: p}]
aetitles: [{ae_title: A, grouping: series, pipelines: {x: y}}]
`,
		"no pipelines": `
dicom:
  scp: {listen: ":104"}
  scu: {ae_title: A}
storage: {staging_root: /tmp}
services:
  platform: {endpoint: http://p:5000}
  requests: {database: /tmp/r.db}
sources: [{ae_title: P, source_id: p}]
aetitles: [{ae_title: A, pipelines: {}}]
`,
		"duplicate source id": `
dicom:
  scp: {listen: ":104"}
  scu: {ae_title: A}
storage: {staging_root: /tmp}
services:
  platform: {endpoint: http://p:5000}
  requests: {database: /tmp/r.db}
sources: [{ae_title: P, source_id: p}, {ae_title: Q, source_id: p}]
aetitles: [{ae_title: A, pipelines: {x: y}}]
`,
		"unknown allowed source": `
dicom:
  scp: {listen: ":104"}
  scu: {ae_title: A}
storage: {staging_root: /tmp}
services:
  platform: {endpoint: http://p:5000}
  requests: {database: /tmp/r.db}
sources: [{ae_title: P, source_id: p}]
aetitles: [{ae_title: A, pipelines: {x: y}, allowed_sources: [nope]}]
`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalYAML(yamlScalar("not-a-duration")))
	require.NoError(t, d.UnmarshalYAML(yamlScalar("90s")))
	assert.Equal(t, 90*time.Second, d.Std())
}

func yamlScalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: s}
}
