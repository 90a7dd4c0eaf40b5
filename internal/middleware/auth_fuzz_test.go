package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func FuzzParseBearerToken(f *testing.F) {
	f.Add("Bearer 4f2a.deadbeef")
	f.Add("bearer lowercase-scheme")
	f.Add("Basic dXNlcjpwYXNz")
	f.Add("Bearer")
	f.Add("Bearer a b c")
	f.Add("")

	f.Fuzz(func(t *testing.T, header string) {
		token, err := parseBearerToken(header)

		fields := strings.Fields(header)
		wellFormed := len(fields) == 2 && strings.EqualFold(fields[0], "Bearer") && fields[1] != ""

		switch {
		case wellFormed && err != nil:
			t.Fatalf("parseBearerToken(%q) = error %v for a well-formed header", header, err)
		case wellFormed && token != fields[1]:
			t.Fatalf("parseBearerToken(%q) = %q, want %q", header, token, fields[1])
		case !wellFormed && err == nil:
			t.Fatalf("parseBearerToken(%q) accepted a malformed header", header)
		}
	})
}

func FuzzAPIKeyMatchesHash(f *testing.F) {
	bcryptHash, err := HashAPIKey("matcha-api-secret")
	if err != nil {
		f.Fatalf("HashAPIKey: %v", err)
	}

	sum := sha256.Sum256([]byte("sha-era-secret"))
	sha256Hash := hex.EncodeToString(sum[:])

	f.Add(bcryptHash, "matcha-api-secret")
	f.Add(bcryptHash, "not-the-secret")
	f.Add(sha256Hash, "sha-era-secret")
	f.Add("garbage", "anything")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, storedHash, secret string) {
		// Must never panic on arbitrary inputs.
		matched := APIKeyMatchesHash(storedHash, secret)

		if storedHash == bcryptHash && secret == "matcha-api-secret" && !matched {
			t.Fatal("bcrypt hash must match its own secret")
		}
		if storedHash == sha256Hash && secret == "sha-era-secret" && !matched {
			t.Fatal("legacy sha256 hash must match its own secret")
		}
	})
}
