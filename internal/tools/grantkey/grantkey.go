// Package grantkey generates the signing seed used for caller grants.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Run generates a grant signing seed and writes an export line.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return fmt.Errorf("generate grant key seed: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export TABLEDECK_AUTH_KEY_SEED=%s\n", base64.RawStdEncoding.EncodeToString(seed)); err != nil {
		return err
	}
	return nil
}
