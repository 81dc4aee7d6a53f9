package transcode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyMaterial holds the AES-128 content key and the initialisation vector for
// one asset. The key bytes are written to key.bin inside the output tree; the
// IV is baked into the playlist by ffmpeg and is not secret on its own.
type KeyMaterial struct {
	Key   []byte
	IVHex string
}

// NewKeyMaterial draws a fresh 16-byte key and 16-byte IV from crypto/rand.
func NewKeyMaterial() (KeyMaterial, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate content key: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate iv: %w", err)
	}
	return KeyMaterial{Key: key, IVHex: hex.EncodeToString(iv)}, nil
}
