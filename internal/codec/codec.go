package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// SubChunkSize is the number of input bytes processed per encoding step
const SubChunkSize = 32 * 1024

var encoding = base64.StdEncoding

// Encode converts a binary payload into channel-safe text.
// Sub-chunks are streamed through a single encoder so the output is the
// same as encoding the whole payload at once.
func Encode(data []byte) string {
	var sb strings.Builder
	sb.Grow(EncodedLen(len(data)))

	enc := base64.NewEncoder(encoding, &sb)
	for offset := 0; offset < len(data); offset += SubChunkSize {
		end := offset + SubChunkSize
		if end > len(data) {
			end = len(data)
		}
		// strings.Builder never returns a write error
		_, _ = enc.Write(data[offset:end])
	}
	_ = enc.Close()

	return sb.String()
}

// Decode is the exact inverse of Encode
func Decode(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}

	data, err := encoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload text: %w", err)
	}

	return data, nil
}

// EncodedLen returns the text length Encode produces for n input bytes
func EncodedLen(n int) int {
	return encoding.EncodedLen(n)
}

// DecodedLen returns the maximum number of bytes a text of length n decodes to
func DecodedLen(n int) int {
	return encoding.DecodedLen(n)
}
