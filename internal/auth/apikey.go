// ABOUTME: Argon2id hashing for control-plane API keys
// ABOUTME: GATEWAY_API_KEYS holds hashes, never plaintext; verification is constant-time

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey produces the "$argon2id$v=19$m=...,t=...,p=...$salt$hash"
// string an operator stores in GATEWAY_API_KEYS, replacing the raw key.
func HashAPIKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyAPIKey checks presented against a stored Argon2id hash produced by
// HashAPIKey, in constant time with respect to the comparison itself.
func VerifyAPIKey(stored, presented string) bool {
	m, t, p, salt, hash, err := parseAPIKeyHash(stored)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(presented), salt, t, m, p, uint32(len(hash)))
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

// DummyVerify runs an Argon2id hash of the same cost as a real comparison
// on a fixed input, so that rejecting a presented key because the
// configured key set is empty takes the same time as rejecting one that
// almost matched a real hash.
func DummyVerify(presented string) {
	salt := make([]byte, saltLen)
	_ = argon2.IDKey([]byte(presented), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func parseAPIKeyHash(stored string) (memory uint32, time uint32, threads uint8, salt, hash []byte, err error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: not an argon2id hash")
	}
	var m, t, pr int
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &pr); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: malformed argon2id params: %w", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: malformed salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: malformed hash: %w", err)
	}
	return uint32(m), uint32(t), uint8(pr), salt, hash, nil
}
