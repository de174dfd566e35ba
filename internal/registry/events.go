package registry

import (
	"context"
	"time"

	"claude-relay-go/internal/events"
	"claude-relay-go/internal/storage"
)

// CredentialSummary captures non-sensitive credential fields for event payloads.
type CredentialSummary struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Name        string    `json:"name"`
	AuthMethod  string    `json:"auth_method"`
	Active      bool      `json:"active"`
	UseCount    int64     `json:"use_count"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CredentialEvent describes a single change to a credential.
type CredentialEvent struct {
	Action     string            `json:"action"`
	Timestamp  time.Time         `json:"timestamp"`
	Credential CredentialSummary `json:"credential"`
	Reason     string            `json:"reason,omitempty"`
}

func (r *Registry) getPublisher() events.Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher
}

func (r *Registry) emitCredentialEvent(ctx context.Context, action string, cred *storage.Credential) {
	r.emit(ctx, events.TopicCredentialChanged, action, cred, "")
}

func (r *Registry) emitQuarantineEvent(ctx context.Context, cred *storage.Credential, reason string) {
	r.emit(ctx, events.TopicCredentialQuarantined, "quarantined", cred, reason)
}

func (r *Registry) emitRestoreEvent(ctx context.Context, cred *storage.Credential) {
	r.emit(ctx, events.TopicCredentialRestored, "restored", cred, "")
}

func (r *Registry) emit(ctx context.Context, topic, action string, cred *storage.Credential, reason string) {
	publisher := r.getPublisher()
	if publisher == nil || cred == nil {
		return
	}
	summary := summarizeCredential(cred)
	publisher.Publish(ctx, topic,
		CredentialEvent{
			Action:     action,
			Timestamp:  time.Now().UTC(),
			Credential: summary,
			Reason:     reason,
		},
		map[string]string{"provider": summary.Provider, "credential_id": summary.ID},
	)
}

func summarizeCredential(cred *storage.Credential) CredentialSummary {
	return CredentialSummary{
		ID:          cred.ID,
		Provider:    cred.Provider,
		Name:        cred.Name,
		AuthMethod:  cred.AuthMethod,
		Active:      cred.Active,
		UseCount:    cred.UseCount,
		ErrorCount:  cred.ErrorCount,
		LastError:   cred.LastError,
		LastUsedAt:  cred.LastUsedAt,
		LastErrorAt: cred.LastErrorAt,
		UpdatedAt:   cred.UpdatedAt,
	}
}
