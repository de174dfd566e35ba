package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	apperrors "claude-relay-go/internal/errors"
	"claude-relay-go/internal/storage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by the auth middleware for downstream handlers.
const (
	CtxAPIKeyID     = "api_key_id"
	CtxAPIKeyName   = "api_key_name"
	CtxAPIKeyRecord = "api_key_record"
)

// HashAPIKey returns the hex sha256 digest stored in the key_hash column.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// errorFormatFor picks the error body shape by surface: the OpenAI-compatible
// endpoint gets OpenAI-shaped errors, everything else Claude-shaped.
func errorFormatFor(c *gin.Context) apperrors.ErrorFormat {
	if strings.Contains(c.Request.URL.Path, "/chat/completions") {
		return apperrors.FormatOpenAI
	}
	return apperrors.FormatClaude
}

// AbortWithAPIError writes an APIError in the surface-appropriate shape.
func AbortWithAPIError(c *gin.Context, err *apperrors.APIError) {
	body, marshalErr := err.ToJSON(errorFormatFor(c))
	if marshalErr != nil {
		c.AbortWithStatus(err.HTTPStatus)
		return
	}
	c.Data(err.HTTPStatus, "application/json", body)
	c.Abort()
}

// APIKeyAuth validates the caller's API key against the stored key table.
// The key arrives as a bearer token or x-api-key header. On success the key
// row is attached to the request context and its last-used timestamp bumped.
func APIKeyAuth(store storage.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractAPIKey(c)
		if raw == "" {
			AbortWithAPIError(c, apperrors.New(apperrors.KindAuthRequired, "Missing API key"))
			return
		}

		key, err := store.GetAPIKeyByHash(c.Request.Context(), HashAPIKey(raw))
		if err != nil {
			if storage.IsNotFound(err) {
				AbortWithAPIError(c, apperrors.New(apperrors.KindAuthRequired, "Invalid API key"))
				return
			}
			log.WithError(err).Error("API key lookup failed")
			AbortWithAPIError(c, apperrors.New(apperrors.KindUnavailable, "Authentication backend unavailable"))
			return
		}
		if !key.Active {
			AbortWithAPIError(c, apperrors.New(apperrors.KindForbidden, "API key is disabled"))
			return
		}
		if key.Expired(time.Now()) {
			AbortWithAPIError(c, apperrors.New(apperrors.KindAuthExpired, "API key has expired"))
			return
		}

		c.Set("api_key", raw)
		c.Set(CtxAPIKeyID, key.ID)
		c.Set(CtxAPIKeyName, key.Name)
		c.Set(CtxAPIKeyRecord, key)
		if key.RateLimit > 0 {
			c.Set("api_key_rate_limit", key.RateLimit)
		}

		if err := store.TouchAPIKey(c.Request.Context(), key.ID, time.Now()); err != nil {
			log.WithError(err).WithField("api_key", key.Name).Debug("Touch API key failed")
		}

		c.Next()
	}
}

// AdminAuth guards the admin API group with the configured admin key. The
// validator encapsulates plaintext vs bcrypt-hash comparison.
func AdminAuth(validate func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractAPIKey(c)
		if raw == "" || validate == nil || !validate(raw) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Invalid admin key",
					"type":    "authentication_error",
				},
			})
			return
		}
		c.Next()
	}
}

// KeyRecord fetches the APIKey attached by APIKeyAuth.
func KeyRecord(c *gin.Context) (*storage.APIKey, bool) {
	v, ok := c.Get(CtxAPIKeyRecord)
	if !ok {
		return nil, false
	}
	key, ok := v.(*storage.APIKey)
	return key, ok
}
