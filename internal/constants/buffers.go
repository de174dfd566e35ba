package constants

const (
	// SSEScannerMaxBufferSize caps the carry buffer of stream parsers (4MB).
	// Oversized frames are truncated from the front.
	SSEScannerMaxBufferSize = 4 * 1024 * 1024
)
