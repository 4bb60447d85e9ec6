// genkey generates a random HS256 secret for signing dashboard tokens.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go >> .env
//
// Prints one KANSOKU_DASHBOARD_JWT_SECRET line. Rotating the secret
// invalidates every token issued with the old one.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// secretBytes is twice the minimum the server accepts.
const secretBytes = 32

func main() {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		fmt.Fprintf(os.Stderr, "error: read random bytes: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("KANSOKU_DASHBOARD_JWT_SECRET=%s\n", hex.EncodeToString(b))
}
