package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/radbridge/dicom-adapter/types"
)

// Implementation identity written into file meta information.
const (
	implementationClassUID    = "1.2.826.0.1.3680043.10.1095.1"
	implementationVersionName = "DICOM_ADAPTER_1"
)

// HasPart10Header reports whether data starts with the 128-byte preamble
// followed by "DICM".
func HasPart10Header(data []byte) bool {
	return len(data) >= 132 && string(data[128:132]) == "DICM"
}

// StripPart10Header removes the preamble and file meta information group,
// returning the bare dataset and the transfer syntax declared in the meta
// group (empty if absent).
func StripPart10Header(data []byte) ([]byte, string, error) {
	if !HasPart10Header(data) {
		return nil, "", fmt.Errorf("dicom: missing DICM prefix at offset 128")
	}

	offset := 132
	transferSyntax := ""

	// File meta information is always explicit VR little endian.
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int
		if longLengthVRs[vr] {
			if offset+12 > len(data) {
				return nil, "", fmt.Errorf("dicom: truncated file meta element")
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		end := valueOffset + int(length)
		if end > len(data) {
			return nil, "", fmt.Errorf("dicom: file meta element exceeds buffer")
		}

		if element == 0x0010 {
			transferSyntax = strings.TrimRight(string(data[valueOffset:end]), "\x00 ")
		}
		offset = end
	}

	if offset >= len(data) {
		return nil, "", fmt.Errorf("dicom: no dataset after file meta information")
	}
	return data[offset:], transferSyntax, nil
}

// BuildPart10 wraps a bare dataset in a part-10 envelope: preamble, DICM
// prefix and a file meta group declaring the dataset's transfer syntax.
func BuildPart10(attrs *InstanceAttributes, transferSyntaxUID string, dataset []byte) ([]byte, error) {
	if attrs == nil || attrs.SOPInstanceUID == "" {
		return nil, fmt.Errorf("dicom: part-10 output requires a SOP instance UID")
	}
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ImplicitVRLittleEndian
	}

	meta := NewDataset()
	meta.Put(types.TagFileMetaInformationVersion, "OB", []byte{0x00, 0x01})
	meta.PutString(types.TagMediaStorageSOPClassUID, "UI", attrs.SOPClassUID)
	meta.PutString(types.TagMediaStorageSOPInstanceUID, "UI", attrs.SOPInstanceUID)
	meta.PutString(types.TagTransferSyntaxUID, "UI", transferSyntaxUID)
	meta.PutString(types.TagImplementationClassUID, "UI", implementationClassUID)
	meta.PutString(types.TagImplementationVersionName, "SH", implementationVersionName)

	metaBytes := meta.EncodeExplicit()

	// Group length element (0002,0000) counts the bytes that follow it.
	groupLength := NewDataset()
	lengthValue := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthValue, uint32(len(metaBytes)))
	groupLength.Put(types.TagFileMetaInformationGroupLength, "UL", lengthValue)

	out := make([]byte, 0, 132+12+len(metaBytes)+len(dataset))
	out = append(out, make([]byte, 128)...)
	out = append(out, []byte("DICM")...)
	out = append(out, groupLength.EncodeExplicit()...)
	out = append(out, metaBytes...)
	out = append(out, dataset...)
	return out, nil
}
