package dicom

import (
	"fmt"

	"github.com/radbridge/dicom-adapter/types"
)

// InstanceAttributes are the identifying attributes the adapter extracts from
// every received or retrieved object.
type InstanceAttributes struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	PatientID         string
	AccessionNumber   string
	Modality          string
}

// ExtractAttributes decodes just enough of a dataset to identify the
// instance. data must be a bare dataset (no part-10 header) in the given
// transfer syntax.
func ExtractAttributes(data []byte, transferSyntaxUID string) (*InstanceAttributes, error) {
	dataset, err := Decode(data, transferSyntaxUID)
	if err != nil && dataset.Len() == 0 {
		return nil, err
	}

	attrs := &InstanceAttributes{
		SOPClassUID:       dataset.GetString(types.TagSOPClassUID),
		SOPInstanceUID:    dataset.GetString(types.TagSOPInstanceUID),
		StudyInstanceUID:  dataset.GetString(types.TagStudyInstanceUID),
		SeriesInstanceUID: dataset.GetString(types.TagSeriesInstanceUID),
		PatientID:         dataset.GetString(types.TagPatientID),
		AccessionNumber:   dataset.GetString(types.TagAccessionNumber),
		Modality:          dataset.GetString(types.TagModality),
	}
	if attrs.SOPInstanceUID == "" {
		return nil, fmt.Errorf("dicom: dataset carries no SOP instance UID")
	}
	return attrs, nil
}
