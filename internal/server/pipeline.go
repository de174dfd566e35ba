package server

import (
	"context"
	"io"
	"net/http"
	"time"

	apperrors "claude-relay-go/internal/errors"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/retrypolicy"
	"claude-relay-go/internal/selection"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/upstream"

	log "github.com/sirupsen/logrus"
)

const upstreamErrorBodyLimit = 64 * 1024

// exchange is a successfully opened upstream stream plus the routing context
// that produced it.
type exchange struct {
	resp         *http.Response
	request      *upstream.Request
	credential   *storage.Credential
	provider     string
	model        string
	compressions int
}

// openExchange runs the full retry ladder: pick a credential, shape and send
// the request, and react to failures with token refresh, backoff, or context
// compression. It returns an open 200 response; all retrying happens before
// the first byte reaches the client.
func (s *Server) openExchange(ctx context.Context, mreq *models.MessagesRequest, fingerprint string) (*exchange, *apperrors.APIError) {
	settings := s.deps.Settings.Get(ctx)

	defaultProvider := settings.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = s.deps.Config.DefaultProvider
	}
	resolution := s.deps.Resolver.Resolve(ctx, mreq.Model, settings.ModelAliasesEnabled, defaultProvider)

	adapter, err := s.deps.Adapters.For(resolution.Provider)
	if err != nil {
		return nil, apperrors.New(apperrors.KindUnavailable, "No adapter for resolved provider")
	}

	messages := mreq.Messages
	freeRefreshUsed := false
	compressionLevel := 0
	var lastErr *apperrors.APIError

	maxAttempts := s.deps.Policy.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, apperrors.MapNetworkError(ctx.Err())
		}

		pick, pickErr := s.deps.Selector.Pick(ctx, selection.Request{
			Provider:    resolution.Provider,
			Model:       resolution.Model,
			Fingerprint: fingerprint,
			Strategy:    settings.SelectionStrategy,
			Weights: selection.Weights{
				Health: settings.WeightHealth,
				Tokens: settings.WeightBucket,
				Quota:  settings.WeightQuota,
				LRU:    settings.WeightLRU,
			},
		})
		if pickErr != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, apperrors.New(apperrors.KindUnavailable, "No usable credential for provider")
		}
		cred := pick.Credential

		ok, _, acquireErr := s.deps.Selector.Acquire(ctx, resolution.Provider, cred.ID)
		if acquireErr == nil && !ok {
			lastErr = apperrors.New(apperrors.KindRateLimited, "Credential rate capacity exhausted")
			s.sleep(ctx, s.deps.Policy.Delay(attempt))
			continue
		}

		if err := s.deps.Tokens.EnsureValid(ctx, cred); err != nil {
			lastErr = apperrors.New(apperrors.KindAuthExpired, "Credential token refresh failed")
			s.deps.Selector.OnFailure(ctx, resolution.Provider, cred.ID, err.Error())
			continue
		}
		accessToken, err := s.deps.Tokens.BearerToken(ctx, cred)
		if err != nil {
			lastErr = apperrors.New(apperrors.KindAuthExpired, "Credential has no usable token")
			s.deps.Selector.OnFailure(ctx, resolution.Provider, cred.ID, err.Error())
			continue
		}

		attemptReq := *mreq
		attemptReq.Messages = messages
		upReq, err := adapter.BuildRequest(ctx, cred, upstream.BuildInput{
			Request:     &attemptReq,
			Model:       resolution.Model,
			AccessToken: accessToken,
		})
		if err != nil {
			return nil, apperrors.New(apperrors.KindBadRequest, err.Error())
		}

		resp, err := s.deps.Client.Do(ctx, upReq)
		if err != nil {
			lastErr = apperrors.MapNetworkError(err)
			s.deps.Selector.OnFailure(ctx, resolution.Provider, cred.ID, err.Error())
			if !lastErr.IsRetryable() {
				return nil, lastErr
			}
			s.sleep(ctx, s.deps.Policy.Delay(attempt))
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return &exchange{
				resp:         resp,
				request:      upReq,
				credential:   cred,
				provider:     resolution.Provider,
				model:        resolution.Model,
				compressions: compressionLevel,
			}, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, upstreamErrorBodyLimit))
		resp.Body.Close()

		action := retrypolicy.Classify(resp.StatusCode, resp.Header, body)
		fields := log.Fields{
			"provider":   resolution.Provider,
			"credential": cred.Name,
			"status":     resp.StatusCode,
			"action":     action.String(),
			"attempt":    attempt,
		}

		switch action {
		case retrypolicy.ActionRefreshToken:
			s.deps.Selector.OnFailure(ctx, resolution.Provider, cred.ID,
				apperrors.ExtractUpstreamMessage(body))
			if !freeRefreshUsed {
				freeRefreshUsed = true
				log.WithFields(fields).Info("Upstream 403, forcing token refresh")
				if err := s.deps.Tokens.Refresh(ctx, cred); err == nil {
					// The free refresh retry does not consume the budget.
					attempt--
					continue
				}
			}
			lastErr = apperrors.MapUpstreamStatus(resp.StatusCode, body)

		case retrypolicy.ActionBackoff:
			if resp.StatusCode == http.StatusTooManyRequests {
				s.deps.Selector.OnRateLimit(ctx, resolution.Provider, cred.ID)
			} else {
				s.deps.Selector.OnFailure(ctx, resolution.Provider, cred.ID,
					apperrors.ExtractUpstreamMessage(body))
			}
			lastErr = apperrors.MapUpstreamStatus(resp.StatusCode, body)
			log.WithFields(fields).Warn("Upstream failure, backing off")
			s.sleep(ctx, s.deps.Policy.Delay(attempt))

		case retrypolicy.ActionCompress:
			if !settings.CompressionEnabled || compressionLevel >= 3 {
				return nil, apperrors.New(apperrors.KindContextTooLarge,
					"Request exceeds the model context window")
			}
			compressionLevel++
			compressed := retrypolicy.CompressMessages(messages, compressionLevel)
			if len(compressed) >= len(messages) {
				// The ladder can no longer shrink the history.
				return nil, apperrors.New(apperrors.KindContextTooLarge,
					"Request exceeds the model context window")
			}
			messages = compressed
			if s.deps.Metrics != nil {
				s.deps.Metrics.RecordCompression(compressionLevel)
			}
			log.WithFields(fields).WithField("level", compressionLevel).
				Info("Context too large, compressing history")
			lastErr = apperrors.New(apperrors.KindContextTooLarge,
				"Request exceeds the model context window")

		default:
			s.deps.Selector.OnFailure(ctx, resolution.Provider, cred.ID,
				apperrors.ExtractUpstreamMessage(body))
			return nil, apperrors.MapUpstreamStatus(resp.StatusCode, body)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apperrors.New(apperrors.KindUnavailable, "Retries exhausted")
}

func (s *Server) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
