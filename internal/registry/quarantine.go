package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claude-relay-go/internal/storage"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RestoreSecrets carries replacement secrets for a quarantined credential.
// Empty fields keep the values preserved in the quarantine snapshot.
type RestoreSecrets struct {
	AccessSecret  string `json:"access_secret,omitempty"`
	RefreshSecret string `json:"refresh_secret,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// MoveToError quarantines a credential: the full row is snapshotted into the
// error table and removed from the pool. Repeated moves for the same original
// credential collapse into one error row with a bumped counter.
func (r *Registry) MoveToError(ctx context.Context, provider, id, msg string) error {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		if storage.IsNotFound(err) {
			// Already moved. Refresh the existing error row so the
			// message and timestamp reflect the latest failure.
			return r.touchErrorRow(ctx, provider, id, msg)
		}
		return err
	}

	snapshot, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("snapshot credential %s: %w", id, err)
	}
	ec := &storage.ErrorCredential{
		ID:           uuid.NewString(),
		OriginalID:   cred.ID,
		Provider:     cred.Provider,
		Name:         cred.Name,
		SnapshotJSON: snapshot,
		ErrorMessage: msg,
		LastErrorAt:  time.Now().UTC(),
	}
	if err := r.store.UpsertErrorCredential(ctx, ec); err != nil {
		return err
	}
	if err := r.store.DeleteCredential(ctx, provider, id); err != nil && !storage.IsNotFound(err) {
		return err
	}

	log.WithFields(log.Fields{
		"provider":   provider,
		"credential": id,
		"reason":     msg,
	}).Warn("credential quarantined")
	r.invalidatePool(provider)
	r.emitQuarantineEvent(ctx, cred, msg)
	return nil
}

// touchErrorRow re-upserts with the original id so the idempotent store path
// bumps the counter without creating a second row.
func (r *Registry) touchErrorRow(ctx context.Context, provider, originalID, msg string) error {
	ec := &storage.ErrorCredential{
		ID:           uuid.NewString(),
		OriginalID:   originalID,
		Provider:     provider,
		ErrorMessage: msg,
		LastErrorAt:  time.Now().UTC(),
	}
	return r.store.UpsertErrorCredential(ctx, ec)
}

// RestoreFromError moves a quarantined credential back into the pool. The
// stored snapshot is rehydrated, new secrets overlay the old ones, and the
// error counters reset.
func (r *Registry) RestoreFromError(ctx context.Context, errID string, secrets RestoreSecrets) (*storage.Credential, error) {
	ec, err := r.store.GetErrorCredential(ctx, errID)
	if err != nil {
		return nil, err
	}

	var cred storage.Credential
	if err := json.Unmarshal(ec.SnapshotJSON, &cred); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", errID, err)
	}
	if secrets.AccessSecret != "" {
		cred.AccessSecret = secrets.AccessSecret
	}
	if secrets.RefreshSecret != "" {
		cred.RefreshSecret = secrets.RefreshSecret
	}
	if secrets.ClientID != "" {
		cred.ClientID = secrets.ClientID
	}
	if secrets.ClientSecret != "" {
		cred.ClientSecret = secrets.ClientSecret
	}
	now := time.Now().UTC()
	cred.Active = true
	cred.ErrorCount = 0
	cred.LastError = ""
	cred.LastErrorAt = time.Time{}
	cred.ExpiresAt = time.Time{}
	cred.UpdatedAt = now

	if err := r.store.InsertCredential(ctx, &cred); err != nil {
		return nil, err
	}
	if err := r.store.DeleteErrorCredential(ctx, ec.ID); err != nil && !storage.IsNotFound(err) {
		log.WithError(err).WithField("error_id", ec.ID).Warn("quarantine row cleanup failed after restore")
	}

	log.WithFields(log.Fields{"provider": cred.Provider, "credential": cred.ID}).Info("credential restored from quarantine")
	r.invalidatePool(cred.Provider)
	r.emitRestoreEvent(ctx, &cred)
	return &cred, nil
}

// RecordError bumps the error counter and stores the failure message. When
// the counter reaches the quarantine threshold the credential is moved to the
// error table; the returned flag reports whether that happened.
func (r *Registry) RecordError(ctx context.Context, provider, id, msg string) (quarantined bool, err error) {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	cred.ErrorCount++
	cred.LastError = msg
	cred.LastErrorAt = now
	cred.UpdatedAt = now
	if err := r.store.UpdateCredential(ctx, cred); err != nil {
		return false, err
	}
	r.invalidatePool(provider)

	if cred.ErrorCount < r.quarantineThreshold {
		return false, nil
	}
	if err := r.MoveToError(ctx, provider, id, msg); err != nil {
		return false, err
	}
	return true, nil
}

// ResetErrorCount clears the failure counter after a confirmed success.
func (r *Registry) ResetErrorCount(ctx context.Context, provider, id string) error {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		return err
	}
	if cred.ErrorCount == 0 && cred.LastError == "" {
		return nil
	}
	cred.ErrorCount = 0
	cred.LastError = ""
	cred.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	r.invalidatePool(provider)
	return nil
}

// ListErrors returns the quarantine rows for a provider (all providers when
// empty).
func (r *Registry) ListErrors(ctx context.Context, provider string) ([]*storage.ErrorCredential, error) {
	return r.store.ListErrorCredentials(ctx, provider)
}

// DeleteError permanently discards a quarantine row.
func (r *Registry) DeleteError(ctx context.Context, errID string) error {
	return r.store.DeleteErrorCredential(ctx, errID)
}
