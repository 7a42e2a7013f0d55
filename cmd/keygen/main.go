package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Generates the two secrets the server needs: the JWT signing secret and
// the 32-byte MFA encryption key.
func main() {
	jwtSecret := make([]byte, 48)
	mfaKey := make([]byte, 32)
	for _, b := range [][]byte{jwtSecret, mfaKey} {
		if _, err := rand.Read(b); err != nil {
			fmt.Printf("Failed to generate key: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("JWT_SECRET=%s\n", hex.EncodeToString(jwtSecret))
	fmt.Printf("MFA_ENCRYPTION_KEY=%s\n", hex.EncodeToString(mfaKey))
	fmt.Println("--------------------------------")
}
