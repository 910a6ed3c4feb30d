package crypto

import (
	"fmt"

	"github.com/wrentheai/trust-infra/pkg/canonical"
)

// SignPreimage canonicalizes an unsigned event pre-image, hashes it, and
// signs the canonical bytes. Returns (hash, signature) as lowercase hex.
func SignPreimage(signer Signer, preimage map[string]any) (string, string, error) {
	b, err := canonical.Marshal(preimage)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize pre-image: %w", err)
	}
	sig, err := signer.Sign(b)
	if err != nil {
		return "", "", fmt.Errorf("sign pre-image: %w", err)
	}
	return canonical.HashBytes(b), sig, nil
}

// VerifyPreimage re-derives the canonical bytes of a pre-image and verifies
// a signature over them.
func VerifyPreimage(pubKeyHex, sigHex string, preimage map[string]any) (bool, error) {
	b, err := canonical.Marshal(preimage)
	if err != nil {
		return false, fmt.Errorf("canonicalize pre-image: %w", err)
	}
	return Verify(pubKeyHex, sigHex, b)
}
