// Package requests implements the inference request model and its durable
// store.
package requests

import (
	"fmt"
	"net/url"
	"time"
)

// State is the lifecycle state of a request. Transitions are monotonic:
// Queued, InProcess, Completed. A requeue after a transient failure moves
// InProcess back to Queued; Completed is terminal.
type State string

const (
	StateQueued    State = "Queued"
	StateInProcess State = "InProcess"
	StateCompleted State = "Completed"
)

// Status is the terminal outcome of a Completed request.
type Status string

const (
	StatusPending Status = ""
	StatusSuccess Status = "Success"
	StatusFail    Status = "Fail"
)

// MetadataType selects how input instances are located.
type MetadataType string

const (
	MetadataDicomUID        MetadataType = "DICOM_UID"
	MetadataDicomPatientID  MetadataType = "DICOM_PATIENT_ID"
	MetadataAccessionNumber MetadataType = "ACCESSION_NUMBER"
)

// ResourceInterface is the protocol of an input or output resource.
type ResourceInterface string

const (
	InterfaceAlgorithm ResourceInterface = "Algorithm"
	InterfaceDIMSE     ResourceInterface = "DIMSE"
	InterfaceDICOMweb  ResourceInterface = "DICOMweb"
)

// AuthType names the DICOMweb authentication scheme.
type AuthType string

const (
	AuthNone   AuthType = "None"
	AuthBasic  AuthType = "Basic"
	AuthBearer AuthType = "Bearer"
)

// Study selects one study, optionally narrowed to series.
type Study struct {
	StudyInstanceUID string   `json:"StudyInstanceUID"`
	SeriesUIDs       []string `json:"series,omitempty"`
}

// Details is the metadata selector of a request.
type Details struct {
	Type             MetadataType `json:"type"`
	Studies          []Study      `json:"studies,omitempty"`
	PatientID        string       `json:"PatientID,omitempty"`
	AccessionNumbers []string     `json:"accessionNumber,omitempty"`
}

// InputMetadata wraps the selector, matching the platform API shape.
type InputMetadata struct {
	Details Details `json:"details"`
}

// ConnectionDetails carries the per-interface connection parameters.
type ConnectionDetails struct {
	// Name and ID identify the algorithm for Algorithm resources.
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
	// URI, AuthType and AuthID configure DICOMweb resources.
	URI      string   `json:"uri,omitempty"`
	AuthType AuthType `json:"authType,omitempty"`
	AuthID   string   `json:"authID,omitempty"`
	// AETitle, Host and Port configure DIMSE resources.
	AETitle string `json:"aeTitle,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// Resource is one input or output endpoint.
type Resource struct {
	Interface         ResourceInterface `json:"interface"`
	ConnectionDetails ConnectionDetails `json:"connectionDetails"`
}

// InferenceRequest is the durable unit of work driven by the worker.
type InferenceRequest struct {
	ID              string        `json:"inferenceRequestId,omitempty"`
	TransactionID   string        `json:"transactionID"`
	Priority        uint8         `json:"priority"`
	InputMetadata   InputMetadata `json:"inputMetadata"`
	InputResources  []Resource    `json:"inputResources"`
	OutputResources []Resource    `json:"outputResources,omitempty"`

	// Lifecycle fields, managed by the store and worker.
	State       State     `json:"-"`
	Status      Status    `json:"-"`
	TryCount    int       `json:"-"`
	StoragePath string    `json:"-"`
	JobID       string    `json:"-"`
	PayloadID   string    `json:"-"`
	EnqueuedAt  time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Algorithm returns the single Algorithm input resource.
func (r *InferenceRequest) Algorithm() (Resource, bool) {
	for _, res := range r.InputResources {
		if res.Interface == InterfaceAlgorithm {
			return res, true
		}
	}
	return Resource{}, false
}

// DataResources returns the input resources to retrieve from, in declared
// order, excluding the Algorithm entry.
func (r *InferenceRequest) DataResources() []Resource {
	out := make([]Resource, 0, len(r.InputResources))
	for _, res := range r.InputResources {
		if res.Interface != InterfaceAlgorithm {
			out = append(out, res)
		}
	}
	return out
}

// Validate checks the request against the acceptance rules. It returns one
// human-readable detail per violation; an empty slice means the request is
// acceptable.
func (r *InferenceRequest) Validate() []string {
	var details []string

	if r.TransactionID == "" {
		details = append(details, "transactionID must not be empty")
	}

	algorithms := 0
	dataSources := 0
	for i, res := range r.InputResources {
		switch res.Interface {
		case InterfaceAlgorithm:
			algorithms++
		case InterfaceDIMSE:
			dataSources++
		case InterfaceDICOMweb:
			dataSources++
			details = append(details, validateDICOMweb(i, res.ConnectionDetails)...)
		default:
			details = append(details, fmt.Sprintf("inputResources[%d]: unknown interface %q", i, res.Interface))
		}
	}
	if algorithms != 1 {
		details = append(details, fmt.Sprintf("exactly one Algorithm input resource required, found %d", algorithms))
	}
	if dataSources == 0 {
		details = append(details, "at least one data-source input resource required")
	}

	switch d := r.InputMetadata.Details; d.Type {
	case MetadataDicomUID:
		if len(d.Studies) == 0 {
			details = append(details, "inputMetadata type DICOM_UID requires a non-empty studies list")
		}
		for i, s := range d.Studies {
			if s.StudyInstanceUID == "" {
				details = append(details, fmt.Sprintf("studies[%d]: StudyInstanceUID must not be empty", i))
			}
		}
	case MetadataDicomPatientID:
		if d.PatientID == "" {
			details = append(details, "inputMetadata type DICOM_PATIENT_ID requires a PatientID")
		}
	case MetadataAccessionNumber:
		if len(d.AccessionNumbers) == 0 {
			details = append(details, "inputMetadata type ACCESSION_NUMBER requires a non-empty accessionNumber list")
		}
	default:
		details = append(details, fmt.Sprintf("inputMetadata type %q is not one of DICOM_UID, DICOM_PATIENT_ID, ACCESSION_NUMBER", d.Type))
	}

	return details
}

func validateDICOMweb(index int, cd ConnectionDetails) []string {
	var details []string
	u, err := url.Parse(cd.URI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		details = append(details, fmt.Sprintf("inputResources[%d]: DICOMweb uri %q is not an absolute URL", index, cd.URI))
	}
	if cd.AuthType != "" && cd.AuthType != AuthNone && cd.AuthID == "" {
		details = append(details, fmt.Sprintf("inputResources[%d]: authType %s requires authID", index, cd.AuthType))
	}
	return details
}
