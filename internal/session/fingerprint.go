package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// ComputePolicyFingerprint hashes the identity, mtime, and size of each
// watched policy file into a stable hex digest. Missing files contribute a
// fixed marker, so deleting a policy file also changes the fingerprint.
// Workers admitted under a different fingerprint are invalidated on their
// next request.
func ComputePolicyFingerprint(paths []string) string {
	hasher := sha256.New()
	for _, path := range paths {
		hasher.Write([]byte(path))
		hasher.Write([]byte{0})
		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(hasher, "%d:%d", info.ModTime().UnixNano(), info.Size())
		} else {
			hasher.Write([]byte("missing"))
		}
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
