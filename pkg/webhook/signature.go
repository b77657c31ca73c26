package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signatureHeader = "X-Hub-Signature-256"

// verifySignature checks that sig equals "sha256="+hex(HMAC-SHA256(secret,
// body)), using a constant-time comparison (spec §8 invariant #1). An
// empty secret is a configuration error the caller must handle (dev-mode
// bypass), not something this function decides.
func verifySignature(secret string, body []byte, sig string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(sig, prefix) {
		return false
	}

	given, err := hex.DecodeString(sig[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(given, expected)
}
