// Package pdu implements the DICOM Upper Layer protocol data units (PS3.8):
// reading and writing PDUs, and encoding/parsing the association negotiation
// PDUs from both the acceptor and the requestor side.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"

	adperrors "github.com/radbridge/dicom-adapter/errors"
)

// PDU types (PS3.8 section 9.3).
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// MaxPDULength caps inbound PDU sizes; anything larger is a protocol error
// or an attack, not a legitimate peer.
const MaxPDULength = 64 << 20

// DefaultMaxPDULength is the max-length value offered during negotiation.
const DefaultMaxPDULength uint32 = 16384

// PDU is one protocol data unit.
type PDU struct {
	Type byte
	Data []byte
}

// Read reads one complete PDU.
func Read(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxPDULength {
		return nil, fmt.Errorf("%w: PDU length %d exceeds limit", adperrors.ErrInvalidPDU, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading PDU body: %w", err)
	}
	return &PDU{Type: header[0], Data: data}, nil
}

// Write writes one PDU.
func Write(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))

	buf := make([]byte, 0, len(header)+len(data))
	buf = append(buf, header...)
	buf = append(buf, data...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing PDU type 0x%02x: %w", pduType, err)
	}
	return nil
}

// WriteReleaseRQ writes an A-RELEASE-RQ.
func WriteReleaseRQ(w io.Writer) error {
	return Write(w, TypeReleaseRQ, make([]byte, 4))
}

// WriteReleaseRP writes an A-RELEASE-RP.
func WriteReleaseRP(w io.Writer) error {
	return Write(w, TypeReleaseRP, make([]byte, 4))
}

// Abort source values.
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02
)

// Abort reason values (service-provider source).
const (
	AbortReasonNotSpecified  byte = 0x00
	AbortReasonUnexpectedPDU byte = 0x02
)

// WriteAbort writes an A-ABORT.
func WriteAbort(w io.Writer, source, reason byte) error {
	return Write(w, TypeAbort, []byte{0x00, 0x00, source, reason})
}

// ParseAbort extracts source and reason from an A-ABORT body.
func ParseAbort(data []byte) (source, reason byte) {
	if len(data) >= 4 {
		return data[2], data[3]
	}
	return 0, 0
}
