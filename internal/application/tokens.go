package application

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const accessTokenBytes = 32

func newAccessToken() (string, error) {
	raw := make([]byte, accessTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewAdminToken returns a random bearer token and its bcrypt hash for the admin API.
func NewAdminToken() (string, string, error) {
	token, err := newAccessToken()
	if err != nil {
		return "", "", err
	}
	hash, err := HashAdminToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hash, nil
}

func HashAdminToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token is required")
	}
	if len(token) > 72 {
		return "", errors.New("token must be at most 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAdminToken reports whether token matches the configured hash. An empty hash never matches.
func VerifyAdminToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
