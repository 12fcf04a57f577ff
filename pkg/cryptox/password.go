package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// VerifyResult is the three-way outcome of a password check. A boolean is not
// enough here: a hash produced with outdated cost parameters still verifies,
// but the caller must transparently re-hash and persist the upgrade.
type VerifyResult int

const (
	// VerifyMismatch means the password does not match the stored hash.
	VerifyMismatch VerifyResult = iota
	// VerifyMatch means the password matches and the hash is current.
	VerifyMatch
	// VerifyMatchNeedsRehash means the password matches but the stored hash
	// was produced with parameters that differ from the current cost
	// settings. The caller should re-hash and persist the new value.
	VerifyMatchNeedsRehash
)

// ErrMalformedHash reports a stored hash that is not a valid PHC-format
// argon2id string.
var ErrMalformedHash = errors.New("cryptox: malformed password hash")

// HashPassword generates a PHC-format Argon2id hash string including salt and
// the current cost parameters.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(password+GetPepper()),
		salt,
		iterations,
		memory,
		parallelism,
		keyLength,
	)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		memory,
		iterations,
		parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a plaintext password against a PHC-style Argon2id
// hash. The comparison always uses the parameters embedded in the stored
// hash, so records written under older cost settings still verify; those
// return VerifyMatchNeedsRehash instead of VerifyMatch.
//
// VerifyPassword itself has no side effects. Persisting an upgraded hash is
// the caller's responsibility.
func VerifyPassword(password, encodedHash string) (VerifyResult, error) {
	params, salt, expected, err := decodeHash(encodedHash)
	if err != nil {
		return VerifyMismatch, err
	}

	computed := argon2.IDKey(
		[]byte(password+GetPepper()),
		salt,
		params.iterations,
		params.memory,
		params.parallelism,
		uint32(len(expected)), // #nosec G115 - hash lengths are bounded by the PHC format
	)

	if subtle.ConstantTimeCompare(computed, expected) != 1 {
		return VerifyMismatch, nil
	}

	if params.outdated(uint32(len(expected))) {
		return VerifyMatchNeedsRehash, nil
	}
	return VerifyMatch, nil
}

type hashParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

// outdated reports whether the stored parameters differ from the current
// cost settings in any dimension.
func (p hashParams) outdated(keyLen uint32) bool {
	return p.memory != memory ||
		p.iterations != iterations ||
		p.parallelism != parallelism ||
		keyLen != keyLength
}

// decodeHash parses "$argon2id$v=19$m=X,t=Y,p=Z$salt$hash".
func decodeHash(encodedHash string) (hashParams, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return hashParams{}, nil, nil, fmt.Errorf("%w: expected 6 parts", ErrMalformedHash)
	}
	if parts[1] != "argon2id" {
		return hashParams{}, nil, nil, fmt.Errorf("%w: not argon2id", ErrMalformedHash)
	}
	if parts[2] != "v=19" {
		return hashParams{}, nil, nil, fmt.Errorf("%w: unsupported version", ErrMalformedHash)
	}

	var params hashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d",
		&params.memory, &params.iterations, &params.parallelism); err != nil {
		return hashParams{}, nil, nil, fmt.Errorf("%w: bad parameters: %v", ErrMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return hashParams{}, nil, nil, fmt.Errorf("%w: bad salt encoding", ErrMalformedHash)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return hashParams{}, nil, nil, fmt.Errorf("%w: bad hash encoding", ErrMalformedHash)
	}

	return params, salt, hash, nil
}
