package zcash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MaxMemoBytes is the size of the shielded memo field. Shorter memos are
// zero-padded on chain; longer ones do not fit.
const MaxMemoBytes = 512

// ErrMemoTooLong is returned by EncodeMemo when the UTF-8 encoding of the
// memo exceeds MaxMemoBytes.
var ErrMemoTooLong = errors.New("zcash: memo exceeds 512 bytes")

// EncodeMemo hex-encodes a UTF-8 memo for the node. A memo of exactly
// MaxMemoBytes is accepted; one byte more is rejected.
func EncodeMemo(memo string) (string, error) {
	if len(memo) > MaxMemoBytes {
		return "", fmt.Errorf("%w: got %d", ErrMemoTooLong, len(memo))
	}

	return hex.EncodeToString([]byte(memo)), nil
}

// DecodeMemo converts the hex-encoded memo field from a received note back
// into text, stripping the zero padding the protocol adds. An all-zero or
// empty memo decodes to the empty string.
func DecodeMemo(memoHex string) (string, error) {
	raw, err := hex.DecodeString(memoHex)
	if err != nil {
		return "", fmt.Errorf("zcash: malformed memo hex: %w", err)
	}

	return strings.TrimRight(string(raw), "\x00"), nil
}
