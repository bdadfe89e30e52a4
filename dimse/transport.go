package dimse

import (
	"fmt"
	"io"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/pdu"
	"github.com/radbridge/dicom-adapter/types"
)

// CompleteMessage is a reassembled DIMSE message: a command set and its
// optional dataset.
type CompleteMessage struct {
	ContextID byte
	Command   *types.Message
	Dataset   []byte
}

// Assembler reassembles DIMSE messages from the PDV stream of one
// association. Feed it PDVs in arrival order; it returns a CompleteMessage
// when the command set and any announced dataset have fully arrived.
type Assembler struct {
	contextID   byte
	commandData []byte
	datasetData []byte
	command     *types.Message
}

// Add consumes one PDV. Returns a non-nil message when complete.
func (a *Assembler) Add(pdv pdu.PresentationDataValue) (*CompleteMessage, error) {
	if a.command == nil && a.commandData == nil {
		a.contextID = pdv.ContextID
	} else if pdv.ContextID != a.contextID {
		return nil, fmt.Errorf("%w: interleaved presentation contexts (%d then %d)",
			adperrors.ErrInvalidMessage, a.contextID, pdv.ContextID)
	}

	if pdv.Command {
		if a.command != nil {
			return nil, fmt.Errorf("%w: command PDV after complete command", adperrors.ErrInvalidMessage)
		}
		a.commandData = append(a.commandData, pdv.Data...)
		if pdv.Last {
			msg, err := DecodeCommand(a.commandData)
			if err != nil {
				return nil, err
			}
			a.command = msg
			if !msg.HasDataset() {
				return a.finish(), nil
			}
		}
		return nil, nil
	}

	if a.command == nil {
		return nil, fmt.Errorf("%w: dataset PDV before command", adperrors.ErrInvalidMessage)
	}
	a.datasetData = append(a.datasetData, pdv.Data...)
	if pdv.Last {
		return a.finish(), nil
	}
	return nil, nil
}

func (a *Assembler) finish() *CompleteMessage {
	msg := &CompleteMessage{
		ContextID: a.contextID,
		Command:   a.command,
		Dataset:   a.datasetData,
	}
	*a = Assembler{}
	return msg
}

// WriteMessage sends a command set and optional dataset as P-DATA-TF PDUs.
func WriteMessage(w io.Writer, contextID byte, maxPDULength uint32, msg *types.Message, dataset []byte) error {
	if err := pdu.WriteDataTF(w, contextID, EncodeCommand(msg), true, maxPDULength); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	if len(dataset) > 0 {
		if err := pdu.WriteDataTF(w, contextID, dataset, false, maxPDULength); err != nil {
			return fmt.Errorf("sending dataset: %w", err)
		}
	}
	return nil
}

// ReadMessage reads PDUs until one complete DIMSE message has arrived.
// Release requests and aborts surface as errors; the caller owns the
// connection lifecycle.
func ReadMessage(r io.Reader) (*CompleteMessage, error) {
	var assembler Assembler
	for {
		p, err := pdu.Read(r)
		if err != nil {
			return nil, err
		}

		switch p.Type {
		case pdu.TypePDataTF:
			pdvs, err := pdu.ParsePDataTF(p.Data)
			if err != nil {
				return nil, err
			}
			for _, pdv := range pdvs {
				msg, err := assembler.Add(pdv)
				if err != nil {
					return nil, err
				}
				if msg != nil {
					return msg, nil
				}
			}
		case pdu.TypeAbort:
			source, reason := pdu.ParseAbort(p.Data)
			return nil, &adperrors.AbortError{Source: source, Reason: reason}
		case pdu.TypeReleaseRQ:
			return nil, adperrors.ErrConnectionClosed
		default:
			return nil, fmt.Errorf("%w: unexpected PDU type 0x%02x mid-association", adperrors.ErrInvalidPDU, p.Type)
		}
	}
}
