package crypto

import (
	"crypto/rand"
	"encoding/base64"
	mathrand "math/rand/v2"
)

// DecoyMinLength is the floor on decoy size so very short messages cannot be
// told apart by decoy length.
const DecoyMinLength = 50

var decoyFragments = []string{"...", "==", "//", "::"}

// GenerateDecoy produces filler text sized 1.3x-1.8x the real plaintext
// length, base64-encoded to look like ciphertext. This is an obscurity
// control for casual inspection, not a cryptographic guarantee.
func GenerateDecoy(plaintextLen int) string {
	multiplier := 1.3 + mathrand.Float64()*0.5
	targetLen := int(float64(plaintextLen)*multiplier + 0.5)
	if targetLen < 1 {
		targetLen = 1
	}

	// Size the raw bytes so the encoded output lands on the target length
	// rather than inflating it by the base64 ratio.
	rawLen := (targetLen*3 + 3) / 4
	decoy := base64.StdEncoding.EncodeToString(randomBytes(rawLen))

	// Occasionally splice in punctuation fragments to mimic structured
	// ciphertext formats.
	if mathrand.Float64() > 0.5 {
		fragment := decoyFragments[mathrand.IntN(len(decoyFragments))]
		pos := mathrand.IntN(len(decoy) + 1)
		decoy = decoy[:pos] + fragment + decoy[pos:]
	}

	for len(decoy) < DecoyMinLength {
		decoy += base64.StdEncoding.EncodeToString(randomBytes(30))
	}

	return decoy
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// zeroed buffer rather than panicking in the send path.
		return buf
	}
	return buf
}
