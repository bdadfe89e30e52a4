package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/types"
)

// Variable item types inside associate PDUs (PS3.8 section 9.3.2).
const (
	itemApplicationContext   = 0x10
	itemPresentationCtxRQ    = 0x20
	itemPresentationCtxAC    = 0x21
	itemAbstractSyntax       = 0x30
	itemTransferSyntax       = 0x40
	itemUserInformation      = 0x50
	subItemMaxLength         = 0x51
	subItemImplementationUID = 0x52
	subItemVersionName       = 0x55
)

// Presentation context result values (PS3.8 table 9-18).
const (
	ResultAcceptance                   byte = 0x00
	ResultUserRejection                byte = 0x01
	ResultNoReason                     byte = 0x02
	ResultAbstractSyntaxNotSupported   byte = 0x03
	ResultTransferSyntaxesNotSupported byte = 0x04
)

// ProposedContext is one presentation context from an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AcceptedContext is one presentation context result in an A-ASSOCIATE-AC.
type AcceptedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string // carried through for the acceptor's bookkeeping, not encoded
	TransferSyntax string
}

// Accepted reports whether the context was accepted.
func (c *AcceptedContext) Accepted() bool { return c.Result == ResultAcceptance }

// AssociateRQ is a parsed or to-be-encoded A-ASSOCIATE-RQ.
type AssociateRQ struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	ProposedContexts []ProposedContext
}

// AssociateAC is a parsed or to-be-encoded A-ASSOCIATE-AC.
type AssociateAC struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	AcceptedContexts []AcceptedContext
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func padAETitle(title string) []byte {
	padded := make([]byte, 16)
	for i := range padded {
		padded[i] = ' '
	}
	copy(padded, title)
	return padded
}

func trimUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// appendItem appends a variable item with a 2-byte big endian length.
func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// walkItems iterates over the variable items of an associate PDU body.
func walkItems(data []byte, fn func(itemType byte, value []byte) error) error {
	offset := 0
	for offset+4 <= len(data) {
		itemType := data[offset]
		length := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		end := offset + 4 + int(length)
		if end > len(data) {
			return fmt.Errorf("%w: item 0x%02x exceeds PDU body", adperrors.ErrInvalidPDU, itemType)
		}
		if err := fn(itemType, data[offset+4:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// fixedHeader encodes the 68-byte fixed portion shared by RQ and AC.
func fixedHeader(calledAE, callingAE string) []byte {
	buf := make([]byte, 0, 68)
	buf = binary.BigEndian.AppendUint16(buf, 0x0001) // protocol version
	buf = append(buf, 0x00, 0x00)                    // reserved
	buf = append(buf, padAETitle(calledAE)...)
	buf = append(buf, padAETitle(callingAE)...)
	buf = append(buf, make([]byte, 32)...) // reserved
	return buf
}

func parseFixedHeader(data []byte) (calledAE, callingAE string, err error) {
	if len(data) < 68 {
		return "", "", fmt.Errorf("%w: associate PDU shorter than fixed header", adperrors.ErrInvalidPDU)
	}
	return trimAETitle(data[4:20]), trimAETitle(data[20:36]), nil
}

func appendUserInformation(buf []byte, maxPDULength uint32) []byte {
	var ui []byte
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	ui = appendItem(ui, subItemMaxLength, maxLen)
	ui = appendItem(ui, subItemImplementationUID, []byte("1.2.826.0.1.3680043.10.1095.1"))
	ui = appendItem(ui, subItemVersionName, []byte("DICOM_ADAPTER_1"))
	return appendItem(buf, itemUserInformation, ui)
}

func parseUserInformation(value []byte) uint32 {
	var maxPDULength uint32
	_ = walkItems(value, func(subType byte, sub []byte) error {
		if subType == subItemMaxLength && len(sub) == 4 {
			maxPDULength = binary.BigEndian.Uint32(sub)
		}
		return nil
	})
	return maxPDULength
}

// EncodeAssociateRQ builds the body of an A-ASSOCIATE-RQ.
func (rq *AssociateRQ) Encode() []byte {
	maxPDU := rq.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}

	buf := fixedHeader(rq.CalledAETitle, rq.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(types.ApplicationContextUID))

	for _, pc := range rq.ProposedContexts {
		var body []byte
		body = append(body, pc.ID, 0x00, 0x00, 0x00)
		body = appendItem(body, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			body = appendItem(body, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationCtxRQ, body)
	}

	return appendUserInformation(buf, maxPDU)
}

// ParseAssociateRQ parses the body of an A-ASSOCIATE-RQ.
func ParseAssociateRQ(data []byte) (*AssociateRQ, error) {
	calledAE, callingAE, err := parseFixedHeader(data)
	if err != nil {
		return nil, err
	}

	rq := &AssociateRQ{
		CalledAETitle:  calledAE,
		CallingAETitle: callingAE,
		MaxPDULength:   DefaultMaxPDULength,
	}

	err = walkItems(data[68:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationCtxRQ:
			pc, err := parseProposedContext(value)
			if err != nil {
				return err
			}
			rq.ProposedContexts = append(rq.ProposedContexts, *pc)
		case itemUserInformation:
			if maxPDU := parseUserInformation(value); maxPDU > 0 {
				rq.MaxPDULength = maxPDU
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

func parseProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: presentation context too short", adperrors.ErrInvalidPDU)
	}
	pc := &ProposedContext{ID: data[0]}
	err := walkItems(data[4:], func(subType byte, value []byte) error {
		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(value))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("%w: presentation context %d missing abstract syntax", adperrors.ErrInvalidPDU, pc.ID)
	}
	return pc, nil
}

// Encode builds the body of an A-ASSOCIATE-AC. Rejected contexts are
// included with no transfer syntax sub-item, per PS3.8 section 9.3.3.2.
func (ac *AssociateAC) Encode() []byte {
	maxPDU := ac.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}

	buf := fixedHeader(ac.CalledAETitle, ac.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(types.ApplicationContextUID))

	for _, pc := range ac.AcceptedContexts {
		var body []byte
		body = append(body, pc.ID, 0x00, pc.Result, 0x00)
		if pc.Accepted() {
			body = appendItem(body, itemTransferSyntax, []byte(pc.TransferSyntax))
		}
		buf = appendItem(buf, itemPresentationCtxAC, body)
	}

	return appendUserInformation(buf, maxPDU)
}

// ParseAssociateAC parses the body of an A-ASSOCIATE-AC.
func ParseAssociateAC(data []byte) (*AssociateAC, error) {
	calledAE, callingAE, err := parseFixedHeader(data)
	if err != nil {
		return nil, err
	}

	ac := &AssociateAC{
		CalledAETitle:  calledAE,
		CallingAETitle: callingAE,
		MaxPDULength:   DefaultMaxPDULength,
	}

	err = walkItems(data[68:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationCtxAC:
			if len(value) < 4 {
				return fmt.Errorf("%w: presentation context result too short", adperrors.ErrInvalidPDU)
			}
			accepted := AcceptedContext{ID: value[0], Result: value[2]}
			if err := walkItems(value[4:], func(subType byte, sub []byte) error {
				if subType == itemTransferSyntax {
					accepted.TransferSyntax = trimUID(sub)
				}
				return nil
			}); err != nil {
				return err
			}
			ac.AcceptedContexts = append(ac.AcceptedContexts, accepted)
		case itemUserInformation:
			if maxPDU := parseUserInformation(value); maxPDU > 0 {
				ac.MaxPDULength = maxPDU
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// EncodeAssociateRJ builds the body of an A-ASSOCIATE-RJ.
func EncodeAssociateRJ(result adperrors.AssociationRejectResult, reason adperrors.AssociationRejectReason) []byte {
	// Source is always 1 (DICOM UL service-user) for policy rejections.
	return []byte{0x00, byte(result), 0x01, byte(reason)}
}

// ParseAssociateRJ extracts the rejection details from an A-ASSOCIATE-RJ body.
func ParseAssociateRJ(data []byte) (*adperrors.AssociationError, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: associate-rj too short", adperrors.ErrInvalidPDU)
	}
	return adperrors.NewAssociationError(
		adperrors.AssociationRejectResult(data[1]),
		adperrors.AssociationRejectReason(data[3]),
		"rejected by peer",
	), nil
}
