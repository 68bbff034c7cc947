package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// ChunkChecksumSize is the length in bytes of a chunk checksum.
const ChunkChecksumSize = blake2b.Size256

// ChunkChecksum returns the BLAKE2b-256 digest of one chunk payload.
func ChunkChecksum(payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	return sum[:]
}

// VerifyChunk reports whether payload matches the expected checksum.
func VerifyChunk(payload, checksum []byte) bool {
	if len(checksum) != ChunkChecksumSize {
		return false
	}
	return subtle.ConstantTimeCompare(ChunkChecksum(payload), checksum) == 1
}

// FileHashHex returns the lowercase hex SHA-256 of a whole file.
func FileHashHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
