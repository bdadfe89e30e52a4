package types

// DIMSE command field values (PS3.7 section 9.3).
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE status codes the adapter emits or inspects.
const (
	StatusSuccess                = 0x0000
	StatusCancel                 = 0xFE00
	StatusPending                = 0xFF00
	StatusPendingWarning         = 0xFF01
	StatusSOPClassNotSupported   = 0x0122
	StatusOutOfResources         = 0xA700
	StatusMoveDestinationUnknown = 0xA801
	StatusCannotUnderstand       = 0xC000
)

// IsPendingStatus reports whether status is one of the pending codes used by
// C-FIND/C-MOVE/C-GET intermediate responses.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsFailureStatus reports whether status is in one of the failure classes
// (Axxx or Cxxx) or is a recognized non-success terminal code.
func IsFailureStatus(status uint16) bool {
	switch status & 0xF000 {
	case 0xA000, 0xC000:
		return true
	}
	return status == StatusSOPClassNotSupported
}

// Message is a parsed DIMSE command set.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	// MoveDestination is the AE title receiving C-STORE sub-operations of a
	// C-MOVE.
	MoveDestination string

	// Sub-operation counters carried by C-MOVE/C-GET responses.
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// CommandDataSetTypeNull is the CommandDataSetType value meaning "no dataset
// follows this command".
const CommandDataSetTypeNull = 0x0101

// HasDataset reports whether the command announces an associated dataset.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != CommandDataSetTypeNull
}

// ResponseCommandFor maps a DIMSE request command to its response command.
func ResponseCommandFor(request uint16) uint16 {
	return request | 0x8000
}

// QueryLevel is the C-FIND/C-MOVE query retrieve level.
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// QueryKeys is the set of matching and return keys the adapter places in
// outbound C-FIND and C-MOVE identifiers.
type QueryKeys struct {
	Level            QueryLevel
	PatientID        string
	AccessionNumber  string
	StudyInstanceUID string
	Modality         string
}
