package domain

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	dErrors "carfengine/pkg/domain-errors"
)

// PseudonymDigestLen is the hex length of the keyed digest inside a token.
const PseudonymDigestLen = 64

// Pseudonym is an opaque, stable token standing in for a wallet address.
// Format: "p<salt version>_<64 lowercase hex chars>". The salt version is part
// of the token so pseudonym spaces of different salt generations never collide.
type Pseudonym string

// NewPseudonym assembles a token from a salt version and a raw digest.
func NewPseudonym(v SaltVersion, digest []byte) Pseudonym {
	return Pseudonym(fmt.Sprintf("p%d_%s", v, hex.EncodeToString(digest)))
}

// ParsePseudonym validates a token received from outside the engine.
//
// Errors: returns CodeInvalidInput for any malformed token.
func ParsePseudonym(s string) (Pseudonym, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "pseudonym cannot be empty")
	}
	p := Pseudonym(s)
	if _, err := p.saltVersion(); err != nil {
		return "", err
	}
	return p, nil
}

// SaltVersion returns the salt generation the token was derived under, or zero
// when the token is malformed.
func (p Pseudonym) SaltVersion() SaltVersion {
	v, err := p.saltVersion()
	if err != nil {
		return 0
	}
	return v
}

func (p Pseudonym) saltVersion() (SaltVersion, error) {
	s := string(p)
	prefix, digest, ok := strings.Cut(s, "_")
	if !ok || len(prefix) < 2 || prefix[0] != 'p' {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "pseudonym has no version prefix")
	}
	v, err := strconv.ParseUint(prefix[1:], 10, 32)
	if err != nil || v == 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "pseudonym has invalid salt version")
	}
	if len(digest) != PseudonymDigestLen || strings.ToLower(digest) != digest {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "pseudonym digest must be 64 lowercase hex chars")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "pseudonym digest is not hex")
	}
	return SaltVersion(v), nil
}

func (p Pseudonym) String() string {
	return string(p)
}

// IsNil returns true if the pseudonym is empty.
func (p Pseudonym) IsNil() bool {
	return p == ""
}
