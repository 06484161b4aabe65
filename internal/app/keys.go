package app

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"coldproxy/pkg/cryptoprim"
)

// decodeHexKey decodes a hex-encoded root key, requiring exactly
// cryptoprim.KeySize bytes.
func decodeHexKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != cryptoprim.KeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", cryptoprim.KeySize, len(b))
	}
	return b, nil
}

// readHexKeyFile reads a hex-encoded root key from path.
func readHexKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return decodeHexKey(string(raw))
}
