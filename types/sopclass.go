package types

import "strings"

// Verification service (C-ECHO).
const VerificationSOPClass = "1.2.840.10008.1.1"

// Storage SOP classes commonly pushed by modalities. The adapter accepts any
// UID under the storage root, this table just gives the frequent ones names.
const (
	ComputedRadiographyImageStorage                   = "1.2.840.10008.5.1.4.1.1.1"
	CTImageStorage                                    = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                            = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundImageStorage                            = "1.2.840.10008.5.1.4.1.1.6.1"
	MRImageStorage                                    = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                            = "1.2.840.10008.5.1.4.1.1.4.1"
	SecondaryCaptureImageStorage                      = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage                      = "1.2.840.10008.5.1.4.1.1.12.1"
	NuclearMedicineImageStorage                       = "1.2.840.10008.5.1.4.1.1.20"
	DigitalXRayImageStorageForPresentation            = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalMammographyXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.2"
	PETImageStorage                                   = "1.2.840.10008.5.1.4.1.1.128"
	EnhancedPETImageStorage                           = "1.2.840.10008.5.1.4.1.1.130"
	RTImageStorage                                    = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage                                     = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage                             = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage                                     = "1.2.840.10008.5.1.4.1.1.481.5"
	EncapsulatedPDFStorage                            = "1.2.840.10008.5.1.4.1.1.104.1"
	BreastTomosynthesisImageStorage                   = "1.2.840.10008.5.1.4.1.1.13.1.3"
)

// Query/Retrieve SOP classes.
const (
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"
)

// storageSOPClassPrefix is the UID root shared by all storage SOP classes
// (PS3.4 annex B.5).
const storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."

// IsStorageSOPClass reports whether uid belongs to the storage service class.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassPrefix)
}

// IsQueryRetrieveSOPClass reports whether uid belongs to the Q/R service class.
func IsQueryRetrieveSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.2.")
}

// DefaultStorageSOPClasses is the negotiation set proposed by the SCU when a
// called-AE configuration does not narrow it down.
var DefaultStorageSOPClasses = []string{
	CTImageStorage,
	EnhancedCTImageStorage,
	MRImageStorage,
	EnhancedMRImageStorage,
	UltrasoundImageStorage,
	ComputedRadiographyImageStorage,
	DigitalXRayImageStorageForPresentation,
	SecondaryCaptureImageStorage,
	PETImageStorage,
	NuclearMedicineImageStorage,
	XRayAngiographicImageStorage,
	RTImageStorage,
	RTDoseStorage,
	RTStructureSetStorage,
	RTPlanStorage,
}
