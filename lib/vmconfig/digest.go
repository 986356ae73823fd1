package vmconfig

import (
	"crypto/sha1"
	"encoding/hex"
)

// ComputeDigest returns the SHA-1 hex digest of a section's serialized
// content, excluding the "digest" key itself (it would be circular to
// include the thing being computed).
func ComputeDigest(s *Section) string {
	h := sha1.New()
	for _, k := range s.Keys() {
		if k == "digest" {
			continue
		}
		v, _ := s.Get(k)
		h.Write([]byte(k))
		h.Write([]byte{':', ' '})
		h.Write([]byte(v))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
