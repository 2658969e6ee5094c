package proposals

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprintKey is the BLAKE3 key for document fingerprints: the ASCII
// domain name zero-padded to 32 bytes. Changing it invalidates every
// recorded baseFilesHash.
var fingerprintKey = [32]byte{
	'c', 'o', 'm', 'm', 'u', 'n', 'e', '.', 'd', 'o', 'c', 'u', 'm', 'e', 'n', 't',
	'.', 'f', 'i', 'l', 'e', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint returns the hex encoded content hash of a file set. Paths are
// visited in lexical order and every field is length-prefixed, so the result
// does not depend on map iteration order and distinct sets cannot collide by
// concatenation.
func Fingerprint(files FileSet) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic(err)
	}
	var lengthPrefix [8]byte
	for _, path := range files.Paths() {
		content := files[path]
		binary.BigEndian.PutUint64(lengthPrefix[:], uint64(len(path)))
		_, _ = hasher.Write(lengthPrefix[:])
		_, _ = hasher.Write([]byte(path))
		binary.BigEndian.PutUint64(lengthPrefix[:], uint64(len(content)))
		_, _ = hasher.Write(lengthPrefix[:])
		_, _ = hasher.Write([]byte(content))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
