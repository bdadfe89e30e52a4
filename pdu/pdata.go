package pdu

import (
	"encoding/binary"
	"fmt"
	"io"

	adperrors "github.com/radbridge/dicom-adapter/errors"
)

// PresentationDataValue is one PDV from a P-DATA-TF PDU.
type PresentationDataValue struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ParsePDataTF splits a P-DATA-TF body into its PDVs.
func ParsePDataTF(data []byte) ([]PresentationDataValue, error) {
	var pdvs []PresentationDataValue
	offset := 0

	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, fmt.Errorf("%w: truncated PDV header", adperrors.ErrInvalidPDU)
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(length)
		if length < 2 || end > len(data) {
			return nil, fmt.Errorf("%w: PDV length %d exceeds PDU body", adperrors.ErrInvalidPDU, length)
		}

		control := data[offset+5]
		pdvs = append(pdvs, PresentationDataValue{
			ContextID: data[offset+4],
			Command:   control&0x01 != 0,
			Last:      control&0x02 != 0,
			Data:      data[offset+6 : end],
		})
		offset = end
	}
	return pdvs, nil
}

// WriteDataTF fragments data across as many P-DATA-TF PDUs as the peer's max
// PDU length requires. Each PDU carries a single PDV.
func WriteDataTF(w io.Writer, contextID byte, data []byte, command bool, maxPDULength uint32) error {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	// PDV header (6) fits within the PDU body budget.
	maxChunk := int(maxPDULength) - 6
	if maxChunk <= 0 {
		return fmt.Errorf("%w: peer max PDU length %d unusable", adperrors.ErrInvalidPDU, maxPDULength)
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxChunk {
			chunk = maxChunk
			last = false
		}

		control := byte(0)
		if command {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		pdv := make([]byte, 0, 6+chunk)
		pdv = binary.BigEndian.AppendUint32(pdv, uint32(chunk+2))
		pdv = append(pdv, contextID, control)
		pdv = append(pdv, data[offset:offset+chunk]...)

		if err := Write(w, TypePDataTF, pdv); err != nil {
			return err
		}

		offset += chunk
		if last {
			return nil
		}
	}
}
