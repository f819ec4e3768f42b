package app

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeKey turns a configured key string into raw bytes. Hex is tried first
// because generated runtime defaults are hex, then standard and raw base64.
// A value that decodes as none of these is used as raw bytes, which lets
// operators paste an arbitrary passphrase.
func DecodeKey(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("key value is empty")
	}
	return decodeKeyBytes(v), nil
}

// KeyByteLength reports how many bytes DecodeKey would yield, without
// treating an empty value as an error.
func KeyByteLength(value string) (int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, nil
	}
	return len(decodeKeyBytes(v)), nil
}

func decodeKeyBytes(v string) []byte {
	if len(v)%2 == 0 {
		if decoded, err := hex.DecodeString(v); err == nil {
			return decoded
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return decoded
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return decoded
	}
	return []byte(v)
}
