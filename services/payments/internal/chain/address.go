package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const addressPrefix = 0x41

var ErrInvalidAddress = errors.New("invalid tron address")

// HexToBase58 converts an event address ("0x" + 20 bytes, or the 21 byte
// form starting with 41) to the base58check form shown to users.
func HexToBase58(h string) (string, error) {
	h = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(h), "0x"), "0X")
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	switch len(raw) {
	case 20:
		raw = append([]byte{addressPrefix}, raw...)
	case 21:
		if raw[0] != addressPrefix {
			return "", fmt.Errorf("%w: prefix %x", ErrInvalidAddress, raw[0])
		}
	default:
		return "", fmt.Errorf("%w: length %d", ErrInvalidAddress, len(raw))
	}
	return base58.Encode(append(raw, checksum(raw)...)), nil
}

// ValidateBase58 checks the checksum and prefix of a base58check address.
func ValidateBase58(addr string) error {
	decoded, err := base58.Decode(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != 25 || decoded[0] != addressPrefix {
		return ErrInvalidAddress
	}
	if !bytes.Equal(checksum(decoded[:21]), decoded[21:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
