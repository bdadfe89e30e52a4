// Package dimse encodes and decodes DIMSE command sets (PS3.7) and moves
// complete messages over an established association.
package dimse

import (
	"encoding/binary"
	"strings"

	"github.com/radbridge/dicom-adapter/types"
)

// appendElement appends one implicit VR little endian element. Command sets
// are always implicit VR (PS3.7 section 6.3.1).
func appendElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func appendUID(buf []byte, element uint16, value string) []byte {
	b := []byte(value)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return appendElement(buf, 0x0000, element, b)
}

func appendAE(buf []byte, element uint16, value string) []byte {
	b := []byte(value)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	return appendElement(buf, 0x0000, element, b)
}

func appendUint16(buf []byte, element uint16, value uint16) []byte {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, value)
	return appendElement(buf, 0x0000, element, v)
}

// EncodeCommand encodes a DIMSE command set, group length first.
func EncodeCommand(msg *types.Message) []byte {
	var body []byte

	if msg.AffectedSOPClassUID != "" {
		body = appendUID(body, 0x0002, msg.AffectedSOPClassUID)
	}
	if msg.RequestedSOPClassUID != "" {
		body = appendUID(body, 0x0003, msg.RequestedSOPClassUID)
	}
	body = appendUint16(body, 0x0100, msg.CommandField)
	if msg.MessageID != 0 {
		body = appendUint16(body, 0x0110, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		body = appendUint16(body, 0x0120, msg.MessageIDBeingRespondedTo)
	}
	if msg.MoveDestination != "" {
		body = appendAE(body, 0x0600, msg.MoveDestination)
	}
	if msg.Priority != 0 {
		body = appendUint16(body, 0x0700, msg.Priority)
	}
	body = appendUint16(body, 0x0800, msg.CommandDataSetType)
	// Responses always carry a status element, success included.
	if msg.Status != 0 || msg.CommandField&0x8000 != 0 {
		body = appendUint16(body, 0x0900, msg.Status)
	}
	if msg.AffectedSOPInstanceUID != "" {
		body = appendUID(body, 0x1000, msg.AffectedSOPInstanceUID)
	}
	if msg.NumberOfRemainingSuboperations != nil {
		body = appendUint16(body, 0x1020, *msg.NumberOfRemainingSuboperations)
	}
	if msg.NumberOfCompletedSuboperations != nil {
		body = appendUint16(body, 0x1021, *msg.NumberOfCompletedSuboperations)
	}
	if msg.NumberOfFailedSuboperations != nil {
		body = appendUint16(body, 0x1022, *msg.NumberOfFailedSuboperations)
	}
	if msg.NumberOfWarningSuboperations != nil {
		body = appendUint16(body, 0x1023, *msg.NumberOfWarningSuboperations)
	}

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(body)))

	out := appendElement(nil, 0x0000, 0x0000, groupLength)
	return append(out, body...)
}

// DecodeCommand decodes a DIMSE command set.
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{CommandDataSetType: types.CommandDataSetTypeNull}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		end := offset + 8 + int(length)
		if end > len(data) {
			break
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		str := func() string { return strings.TrimRight(string(value), "\x00 ") }
		u16 := func() uint16 {
			if len(value) >= 2 {
				return binary.LittleEndian.Uint16(value[:2])
			}
			return 0
		}
		u16ptr := func() *uint16 {
			v := u16()
			return &v
		}

		switch element {
		case 0x0002:
			msg.AffectedSOPClassUID = str()
		case 0x0003:
			msg.RequestedSOPClassUID = str()
		case 0x0100:
			msg.CommandField = u16()
		case 0x0110:
			msg.MessageID = u16()
		case 0x0120:
			msg.MessageIDBeingRespondedTo = u16()
		case 0x0600:
			msg.MoveDestination = str()
		case 0x0700:
			msg.Priority = u16()
		case 0x0800:
			msg.CommandDataSetType = u16()
		case 0x0900:
			msg.Status = u16()
		case 0x1000:
			msg.AffectedSOPInstanceUID = str()
		case 0x1020:
			msg.NumberOfRemainingSuboperations = u16ptr()
		case 0x1021:
			msg.NumberOfCompletedSuboperations = u16ptr()
		case 0x1022:
			msg.NumberOfFailedSuboperations = u16ptr()
		case 0x1023:
			msg.NumberOfWarningSuboperations = u16ptr()
		}
	}

	return msg, nil
}
