// Package auth manages the API bearer token. The token comes from the
// environment when the operator sets one; otherwise a random token is
// generated on first boot and persisted in settings so restarts keep it.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/database"
)

// TokenSetting is the settings key the generated token persists under.
const TokenSetting = "api_token"

// GenerateToken returns a fresh 256-bit token in hex.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EnsureToken resolves the active API token: the VESSEL_API_TOKEN
// environment value wins and is never persisted; otherwise the stored
// token is used, generating and saving one on first boot.
func EnsureToken() (string, error) {
	if config.Cfg.APIToken != "" {
		return config.Cfg.APIToken, nil
	}
	token, err := database.GetSetting(TokenSetting)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load api token: %w", err)
	}
	if token != "" {
		return token, nil
	}
	token, err = GenerateToken()
	if err != nil {
		return "", err
	}
	if err := database.SetSetting(TokenSetting, token); err != nil {
		return "", fmt.Errorf("save api token: %w", err)
	}
	log.Printf("[auth] generated api token (print it with --show-token)")
	return token, nil
}

// ResetToken replaces the stored token and returns the new value. An
// environment-provided token cannot be reset here; unset it first.
func ResetToken() (string, error) {
	if config.Cfg.APIToken != "" {
		return "", fmt.Errorf("api token is set via environment; unset VESSEL_API_TOKEN to manage it here")
	}
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := database.SetSetting(TokenSetting, token); err != nil {
		return "", fmt.Errorf("save api token: %w", err)
	}
	return token, nil
}

// Verify compares a presented token in constant time.
func Verify(presented, actual string) bool {
	if presented == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(actual)) == 1
}
