package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// SecretKeyServiceLabel is the secret store key for the randomized service label.
const SecretKeyServiceLabel = "service_label"

// serviceLabelPrefix makes the label blend in with the platform's own services.
func serviceLabelPrefix(goos string) string {
	switch goos {
	case "darwin":
		return "com.apple.xpc.launchd.helper"
	case "windows":
		return "WinHelperSvc"
	default:
		return "session-helper"
	}
}

// EnsureServiceLabel returns the label stored in the secret store,
// generating and saving one on first use.
func EnsureServiceLabel(store domain.SecretStore, goos string) (string, error) {
	if label, err := store.GetSecret(SecretKeyServiceLabel); err == nil && label != "" {
		return label, nil
	}

	label, err := generateServiceLabel(goos)
	if err != nil {
		return "", fmt.Errorf("failed to generate service label: %w", err)
	}
	if err := store.SetSecret(SecretKeyServiceLabel, label); err != nil {
		return "", fmt.Errorf("failed to store service label: %w", err)
	}
	return label, nil
}

// generateServiceLabel creates a label like "com.apple.xpc.launchd.helper.a8f3b2c1".
func generateServiceLabel(goos string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	sep := "."
	if goos != "darwin" {
		sep = "-"
	}
	return serviceLabelPrefix(goos) + sep + hex.EncodeToString(b), nil
}
