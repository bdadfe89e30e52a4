package types

// Transfer syntax UIDs (PS3.5 chapter 10, PS3.6 annex A.4). The adapter
// decodes the uncompressed little-endian syntaxes; compressed syntaxes are
// accepted for storage passthrough only.
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"

	JPEGBaseline8Bit   = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit  = "1.2.840.10008.1.2.4.51"
	JPEGLossless       = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1    = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless     = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless   = "1.2.840.10008.1.2.4.90"
	JPEG2000           = "1.2.840.10008.1.2.4.91"
	RLELossless        = "1.2.840.10008.1.2.5"
)

// decodableTransferSyntaxes are the syntaxes whose datasets the adapter can
// parse to extract grouping attributes.
var decodableTransferSyntaxes = map[string]bool{
	ImplicitVRLittleEndian: true,
	ExplicitVRLittleEndian: true,
}

// passthroughTransferSyntaxes are accepted for C-STORE and written to staging
// unmodified. Attribute extraction still works because the identifying tags
// precede pixel data and are encoded per the negotiated syntax's VR rules.
var passthroughTransferSyntaxes = map[string]bool{
	JPEGBaseline8Bit:   true,
	JPEGExtended12Bit:  true,
	JPEGLossless:       true,
	JPEGLosslessSV1:    true,
	JPEGLSLossless:     true,
	JPEGLSNearLossless: true,
	JPEG2000Lossless:   true,
	JPEG2000:           true,
	RLELossless:        true,
}

// IsDecodableTransferSyntax reports whether the adapter can fully decode
// datasets in the given syntax.
func IsDecodableTransferSyntax(uid string) bool {
	return decodableTransferSyntaxes[uid]
}

// IsSupportedTransferSyntax reports whether the adapter accepts the syntax on
// a storage presentation context.
func IsSupportedTransferSyntax(uid string) bool {
	return decodableTransferSyntaxes[uid] || passthroughTransferSyntaxes[uid]
}

// DefaultPreferredTransferSyntaxes is the negotiation preference order used
// when configuration does not override it. Explicit first: it is
// self-describing and what most archives emit.
var DefaultPreferredTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}
