// Package audit provides integrity anchoring for the decision ledger.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Anchor computes a SHA-256 digest over the ledger file. Publishing the
// anchor lets an operator later prove the audit log was not rewritten.
func Anchor(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
