package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radbridge/dicom-adapter/types"
)

func sampleDataset() *Dataset {
	ds := NewDataset()
	ds.PutString(types.TagSOPClassUID, "UI", types.CTImageStorage)
	ds.PutString(types.TagSOPInstanceUID, "UI", "1.2.3.4.5.1")
	ds.PutString(types.TagStudyInstanceUID, "UI", "1.2.3.4")
	ds.PutString(types.TagSeriesInstanceUID, "UI", "1.2.3.4.5")
	ds.PutString(types.TagPatientID, "LO", "PID-001")
	ds.PutString(types.TagAccessionNumber, "SH", "ACC42")
	ds.PutString(types.TagModality, "CS", "CT")
	return ds
}

func TestEncodeDecodeExplicit(t *testing.T) {
	encoded := sampleDataset().EncodeExplicit()

	decoded, err := Decode(encoded, types.ExplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4.5.1", decoded.GetString(types.TagSOPInstanceUID))
	assert.Equal(t, "PID-001", decoded.GetString(types.TagPatientID))
	assert.Equal(t, "CT", decoded.GetString(types.TagModality))
}

func TestEncodeDecodeImplicit(t *testing.T) {
	encoded := sampleDataset().EncodeImplicit()

	decoded, err := Decode(encoded, types.ImplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4", decoded.GetString(types.TagStudyInstanceUID))
	assert.Equal(t, "ACC42", decoded.GetString(types.TagAccessionNumber))
}

func TestDecodeStopsAtPixelData(t *testing.T) {
	ds := sampleDataset()
	encoded := ds.EncodeExplicit()
	// Pixel data (7FE0,0010), OB, followed by garbage that would otherwise
	// fail element parsing.
	encoded = append(encoded, 0xE0, 0x7F, 0x10, 0x00, 'O', 'B', 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF)
	encoded = append(encoded, 0xDE, 0xAD, 0xBE, 0xEF)

	decoded, err := Decode(encoded, types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4.5.1", decoded.GetString(types.TagSOPInstanceUID))
	_, hasPixels := decoded.Get(types.Tag{Group: 0x7FE0, Element: 0x0010})
	assert.False(t, hasPixels)
}

func TestDecodeTruncatedValue(t *testing.T) {
	encoded := sampleDataset().EncodeExplicit()
	_, err := Decode(encoded[:len(encoded)-3], types.ExplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestExtractAttributes(t *testing.T) {
	encoded := sampleDataset().EncodeImplicit()

	attrs, err := ExtractAttributes(encoded, types.ImplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, types.CTImageStorage, attrs.SOPClassUID)
	assert.Equal(t, "1.2.3.4.5.1", attrs.SOPInstanceUID)
	assert.Equal(t, "1.2.3.4", attrs.StudyInstanceUID)
	assert.Equal(t, "1.2.3.4.5", attrs.SeriesInstanceUID)
	assert.Equal(t, "PID-001", attrs.PatientID)
}

func TestExtractAttributesMissingSOPInstance(t *testing.T) {
	ds := NewDataset()
	ds.PutString(types.TagPatientID, "LO", "PID-001")
	_, err := ExtractAttributes(ds.EncodeImplicit(), types.ImplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestPart10RoundTrip(t *testing.T) {
	dataset := sampleDataset().EncodeExplicit()
	attrs := &InstanceAttributes{
		SOPClassUID:    types.CTImageStorage,
		SOPInstanceUID: "1.2.3.4.5.1",
	}

	file, err := BuildPart10(attrs, types.ExplicitVRLittleEndian, dataset)
	require.NoError(t, err)
	require.True(t, HasPart10Header(file))

	stripped, ts, err := StripPart10Header(file)
	require.NoError(t, err)
	assert.Equal(t, types.ExplicitVRLittleEndian, ts)
	assert.Equal(t, dataset, stripped)
}

func TestStripPart10HeaderRejectsBareDataset(t *testing.T) {
	_, _, err := StripPart10Header(sampleDataset().EncodeExplicit())
	assert.Error(t, err)
}

func TestPutStringPadsOdd(t *testing.T) {
	ds := NewDataset()
	ds.PutString(types.TagSOPInstanceUID, "UI", "1.2.3")
	e, ok := ds.Get(types.TagSOPInstanceUID)
	require.True(t, ok)
	assert.Equal(t, 6, len(e.Value))
	assert.Equal(t, byte(0x00), e.Value[5])
	assert.Equal(t, "1.2.3", ds.GetString(types.TagSOPInstanceUID))
}
