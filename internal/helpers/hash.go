package helpers

import (
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// DigestSize is the length in bytes of content digests used for dedup.
const DigestSize = 16

type contentHash struct {
	*blake3.Hasher
}

func (h contentHash) Size() int { return DigestSize }

func (h contentHash) Sum(b []byte) []byte {
	return append(b, h.Hasher.Sum(nil)[:DigestSize]...)
}

// NewContentHash returns the 128-bit BLAKE3 digest used for every dedup decision.
func NewContentHash() hash.Hash {
	return contentHash{blake3.New()}
}

// HexDigest returns the lower-case hex form of h's current sum.
func HexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader consumes r and returns its hex content digest.
func HashReader(r io.Reader) (string, error) {
	h := NewContentHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return HexDigest(h), nil
}

// HashFile returns the hex content digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// CheckHash reports whether the file at path exists and has the given digest.
func CheckHash(path, digest string) bool {
	got, err := HashFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Error hashing file %s during hash check", path)
		}
		return false
	}
	if got == digest {
		log.WithField("hash", "BLAKE3-128").Debugf("Hash match for %s", path)
		return true
	}
	return false
}
