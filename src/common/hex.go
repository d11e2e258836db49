package common

import (
	"encoding/hex"
	"strings"
)

// EncodeToString encodes data to an 0x-prefixed hex string.
func EncodeToString(data []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(data))
}

// DecodeFromString decodes an 0x-prefixed hex string.
func DecodeFromString(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
}
