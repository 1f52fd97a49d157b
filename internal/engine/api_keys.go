package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"taskpoints/internal/domain"
	"taskpoints/internal/events"
	"taskpoints/internal/repo"
)

const apiKeyPrefix = "tpk_"

// CreateAPIKey stores a new key for subject and returns it with the plaintext
// secret. The secret is not recoverable afterwards.
func (e Engine) CreateAPIKey(ctx context.Context, subject, name string) (domain.APIKey, string, error) {
	if err := required("subject", subject); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Subject:   subject,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "api_key.created", "api_key", 0, events.EventPayload{"id": key.ID, "subject": subject}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, subject string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, subject)
}

// RevokeAPIKey deletes the key; later requests using it are rejected.
func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "api_key.revoked", "api_key", 0, events.EventPayload{"id": id}); err != nil {
		return err
	}
	return tx.Commit()
}

// AuthenticateAPIKey returns the subject owning secret.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (string, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return "", err
	}
	return key.Subject, nil
}
