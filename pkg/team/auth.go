package team

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// generateSecret mints a token secret as codeb_{role}_{base64url(32 random
// bytes)}, per spec §3. Only the hash is ever persisted.
func generateSecret(role Role) (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, readErr := rand.Read(b); readErr != nil {
		return "", "", codeberr.Wrap(codeberr.KindInternal, "generating token secret", readErr)
	}
	raw = fmt.Sprintf("codeb_%s_%s", role, base64.RawURLEncoding.EncodeToString(b))
	hash = hashSecret(raw)
	return raw, hash, nil
}

func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// roleFromPrefix recovers the claimed role from a presented secret's
// well-known prefix, per spec §4.4: "given a presented secret, recover
// the role from the well-known prefix". The claim is only a hint: the
// role actually granted always comes from the stored Token record.
func roleFromPrefix(raw string) (Role, error) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != "codeb" {
		return "", codeberr.New(codeberr.KindUnauthenticated, "malformed token")
	}
	role := Role(parts[1])
	if !role.Valid() {
		return "", codeberr.New(codeberr.KindUnauthenticated, "malformed token")
	}
	return role, nil
}

// Authenticate recovers a Token by the hash of the presented secret and
// validates it is live: not revoked, not expired. The comparison of
// candidate hashes uses a constant-time compare so that a bucket of
// near-miss hashes cannot be distinguished by timing (spec §9 redesign:
// "replace with constant-time comparison against a stored hash").
func Authenticate(doc *Document, rawSecret string) (Token, error) {
	if _, err := roleFromPrefix(rawSecret); err != nil {
		return Token{}, err
	}
	want := hashSecret(rawSecret)

	for _, tok := range doc.Tokens {
		if subtle.ConstantTimeCompare([]byte(tok.SecretHash), []byte(want)) != 1 {
			continue
		}
		if tok.Revoked {
			return Token{}, codeberr.New(codeberr.KindUnauthenticated, "token revoked")
		}
		if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
			return Token{}, codeberr.New(codeberr.KindUnauthenticated, "token expired")
		}
		return tok, nil
	}
	return Token{}, codeberr.New(codeberr.KindUnauthenticated, "unknown token")
}

// ToAuthContext projects a Token plus its owning Team into the
// AuthContext engines authorize against.
func ToAuthContext(tok Token, team Team) AuthContext {
	projects := tok.ProjectScope
	if len(projects) == 0 {
		projects = team.Projects
	}
	return AuthContext{TokenID: tok.TokenID, TeamID: tok.TeamID, Role: tok.Role, Projects: projects}
}
