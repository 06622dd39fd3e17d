package crypto

// DestructionTimer maps plaintext length to a self-destruct time-to-live in
// seconds. Longer messages get more reading time.
func DestructionTimer(plaintextLen int) int {
	switch {
	case plaintextLen <= 50:
		return 60
	case plaintextLen <= 200:
		return 120
	case plaintextLen <= 500:
		return 180
	default:
		return 240
	}
}
