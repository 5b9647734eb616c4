package relay

import (
	"errors"
	"fmt"

	"github.com/pion/randutil"
	"golang.org/x/crypto/bcrypt"
)

const (
	// AccessCodeLength is the number of characters in a generated access code.
	AccessCodeLength = 8

	// accessCodeRunes omits characters that are easy to misread aloud.
	accessCodeRunes = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// GenerateAccessCode returns a random code the helper reads to the user.
func GenerateAccessCode() (string, error) {
	code, err := randutil.GenerateCryptoRandomString(AccessCodeLength, accessCodeRunes)
	if err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}
	return code, nil
}

// HashAccessCode hashes code with bcrypt at cost. A cost outside bcrypt's
// range falls back to bcrypt.DefaultCost.
func HashAccessCode(code string, cost int) ([]byte, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return nil, fmt.Errorf("hash access code: %w", err)
	}
	return hash, nil
}

// VerifyAccessCode returns ErrAccessDenied when code does not match hash.
func VerifyAccessCode(hash []byte, code string) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(code))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrAccessDenied
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return nil
}
