package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// HashClientSecret returns SHA-256 of the secret as hex for DB storage.
// No per-client salt is applied; stored hashes depend on this exact format.
func HashClientSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// secretMatches compares a presented secret with the stored hex hash in constant time
func secretMatches(secret, storedHashHex string) bool {
	stored, err := hex.DecodeString(storedHashHex)
	if err != nil {
		return false
	}
	provided := sha256.Sum256([]byte(secret))
	return constantTimeCompare(provided[:], stored)
}

func constantTimeCompare(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// WellFormedToken reports whether s has the shape of an issued access token (a canonical UUIDv4)
func WellFormedToken(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// GenerateClientCredentials returns a new client id ("cli_" + 16 hex) and secret ("sk_" + 48 hex)
func GenerateClientCredentials() (clientID, clientSecret string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", fmt.Errorf("generate client id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("generate client secret: %w", err)
	}
	return "cli_" + hex.EncodeToString(idBytes), "sk_" + hex.EncodeToString(secretBytes), nil
}
