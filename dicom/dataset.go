// Package dicom implements the minimal dataset codec the adapter needs:
// implicit and explicit VR little endian decode for attribute extraction and
// query identifiers, plus part-10 file reading and writing.
//
// This is not a general DICOM toolkit. Values are kept as raw bytes and
// exposed as trimmed strings; sequences and pixel data are skipped, not
// interpreted.
package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/radbridge/dicom-adapter/types"
)

// VRs with a 4-byte length field (and 2 reserved bytes) in explicit VR
// encoding (PS3.5 section 7.1.2).
var longLengthVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true,
	"OW": true, "SQ": true, "UC": true, "UN": true, "UR": true, "UT": true,
}

const undefinedLength = 0xFFFFFFFF

// Element is one decoded data element. Value holds the raw bytes as they
// appeared on the wire.
type Element struct {
	Tag   types.Tag
	VR    string
	Value []byte
}

// String returns the element value as a string with null and space padding
// trimmed.
func (e *Element) String() string {
	return strings.TrimRight(string(e.Value), "\x00 ")
}

// Dataset is a decoded collection of elements.
type Dataset struct {
	elements map[types.Tag]*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[types.Tag]*Element)}
}

// Put adds or replaces an element.
func (d *Dataset) Put(tag types.Tag, vr string, value []byte) {
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// PutString adds a string element, padding to even length per the VR's
// padding rule (UIDs pad with NUL, text with space).
func (d *Dataset) PutString(tag types.Tag, vr, value string) {
	b := []byte(value)
	if len(b)%2 == 1 {
		if vr == "UI" {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	d.Put(tag, vr, b)
}

// Get returns the element for tag, if present.
func (d *Dataset) Get(tag types.Tag) (*Element, bool) {
	e, ok := d.elements[tag]
	return e, ok
}

// GetString returns the trimmed string value for tag, or "".
func (d *Dataset) GetString(tag types.Tag) string {
	if e, ok := d.elements[tag]; ok {
		return strings.TrimSpace(e.String())
	}
	return ""
}

// Len returns the number of elements.
func (d *Dataset) Len() int { return len(d.elements) }

// Tags returns all tags in ascending (group, element) order.
func (d *Dataset) Tags() []types.Tag {
	tags := make([]types.Tag, 0, len(d.elements))
	for tag := range d.elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// Decode parses a dataset encoded with the given transfer syntax. Decoding
// stops at pixel data: everything the adapter reads precedes it.
func Decode(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		return decode(data, false)
	case "", types.ExplicitVRLittleEndian:
		return decode(data, true)
	default:
		// Compressed syntaxes use explicit VR for the main dataset; only
		// the encapsulated pixel data differs, and we stop before it.
		return decode(data, true)
	}
}

func decode(data []byte, explicit bool) (*Dataset, error) {
	dataset := NewDataset()
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := types.Tag{Group: group, Element: element}

		var vr string
		var length uint32
		var valueOffset int

		if explicit {
			vr = string(data[offset+4 : offset+6])
			if longLengthVRs[vr] {
				if offset+12 > len(data) {
					return dataset, fmt.Errorf("dicom: truncated element header at %s", tag)
				}
				length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
				valueOffset = offset + 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				valueOffset = offset + 8
			}
		} else {
			vr = dictVR(tag)
			length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			valueOffset = offset + 8
		}

		// Pixel data marks the end of everything we extract. Undefined
		// lengths (encapsulated pixel data, sequences) are not walked.
		if tag.Group == 0x7FE0 || length == undefinedLength {
			break
		}

		end := valueOffset + int(length)
		if end > len(data) {
			return dataset, fmt.Errorf("dicom: element %s value exceeds buffer (%d > %d)", tag, end, len(data))
		}

		dataset.Put(tag, vr, data[valueOffset:end])
		offset = end
	}

	return dataset, nil
}

// EncodeImplicit encodes the dataset in implicit VR little endian, elements
// in tag order.
func (d *Dataset) EncodeImplicit() []byte {
	var buf []byte
	for _, tag := range d.Tags() {
		e := d.elements[tag]
		buf = appendTag(buf, tag)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

// EncodeExplicit encodes the dataset in explicit VR little endian, elements
// in tag order.
func (d *Dataset) EncodeExplicit() []byte {
	var buf []byte
	for _, tag := range d.Tags() {
		e := d.elements[tag]
		vr := e.VR
		if vr == "" {
			vr = dictVR(tag)
		}
		buf = appendTag(buf, tag)
		buf = append(buf, vr[0], vr[1])
		if longLengthVRs[vr] {
			buf = append(buf, 0x00, 0x00)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		} else {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Value)))
		}
		buf = append(buf, e.Value...)
	}
	return buf
}

// Encode encodes per the given transfer syntax.
func (d *Dataset) Encode(transferSyntaxUID string) ([]byte, error) {
	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		return d.EncodeImplicit(), nil
	case "", types.ExplicitVRLittleEndian:
		return d.EncodeExplicit(), nil
	default:
		return nil, fmt.Errorf("dicom: cannot encode transfer syntax %s", transferSyntaxUID)
	}
}

func appendTag(buf []byte, tag types.Tag) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, tag.Group)
	buf = binary.LittleEndian.AppendUint16(buf, tag.Element)
	return buf
}

// dictVR maps the tags the adapter handles to their VR. Everything else
// decodes as UN, which is fine for elements we only skip over.
func dictVR(tag types.Tag) string {
	switch tag {
	case types.TagSpecificCharacterSet, types.TagQueryRetrieveLevel, types.TagModality:
		return "CS"
	case types.TagSOPClassUID, types.TagSOPInstanceUID,
		types.TagStudyInstanceUID, types.TagSeriesInstanceUID,
		types.TagTransferSyntaxUID, types.TagMediaStorageSOPClassUID,
		types.TagMediaStorageSOPInstanceUID, types.TagImplementationClassUID:
		return "UI"
	case types.TagAccessionNumber, types.TagStudyID, types.TagImplementationVersionName:
		return "SH"
	case types.TagRetrieveAETitle:
		return "AE"
	case types.TagPatientName:
		return "PN"
	case types.TagPatientID:
		return "LO"
	case types.TagInstanceNumber:
		return "IS"
	case types.TagFileMetaInformationGroupLength:
		return "UL"
	case types.TagFileMetaInformationVersion:
		return "OB"
	default:
		return "UN"
	}
}
