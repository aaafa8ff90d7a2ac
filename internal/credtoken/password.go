package credtoken

import (
	"crypto/rand"
	"errors"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// Alphabet for generated temporary passwords. No ambiguous glyphs.
const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789!@#$%"

const temporaryPasswordLength = 16

// GenerateTemporaryPassword produces a random password handed out when
// a retrieval token is redeemed, plus its bcrypt hash for the identity
// collaborator to store. Neither value is persisted by this module.
func GenerateTemporaryPassword() (plaintext, hash string, err error) {
	buf := make([]byte, temporaryPasswordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", "", err
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	plaintext = string(buf)
	hash, err = HashPassword(plaintext)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
