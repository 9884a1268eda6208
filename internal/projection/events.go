package projection

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// Audit and definition event types.
const (
	EventProjectionCreated    = "$ProjectionCreated"
	EventProjectionUpdated    = "$ProjectionUpdated"
	EventProjectionDeleted    = "$ProjectionDeleted"
	EventProjectionCheckpoint = "$ProjectionCheckpoint"
	EventStreamEmitted        = "$StreamEmitted"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// EncodeName returns the audit event body for a projection name:
// its UTF-8 bytes without a byte order mark.
func EncodeName(name string) []byte {
	return bytes.TrimPrefix([]byte(name), utf8BOM)
}

// DecodeName parses an audit event body. A leading BOM written by other
// tooling is tolerated and stripped.
func DecodeName(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("decode projection name: invalid UTF-8")
	}
	out, err := unicode.UTF8BOM.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode projection name: %w", err)
	}
	return string(out), nil
}
