package security

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const fingerprintSize = 8

// Fingerprint returns a short, stable digest of a delivery address so device
// tokens can be correlated in logs without being written out.
func Fingerprint(address string) string {
	h, err := blake2b.New(fingerprintSize, nil)
	if err != nil {
		// only possible for an invalid size or key
		panic(err)
	}
	h.Write([]byte(address))
	return hex.EncodeToString(h.Sum(nil))
}
