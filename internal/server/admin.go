package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// registerAdminRoutes mounts the operator API under /admin/api.
func (s *Server) registerAdminRoutes(g *gin.RouterGroup) {
	g.GET("/credentials", s.adminListCredentials)
	g.POST("/credentials", s.adminCreateCredential)
	g.PUT("/credentials/:provider/:id", s.adminUpdateCredential)
	g.DELETE("/credentials/:provider/:id", s.adminDeleteCredential)
	g.POST("/credentials/:provider/:id/toggle", s.adminToggleCredential)
	g.GET("/credentials/errors", s.adminListErrorCredentials)
	g.POST("/credentials/errors/:id/restore", s.adminRestoreCredential)
	g.DELETE("/credentials/errors/:id", s.adminDeleteErrorCredential)

	g.GET("/keys", s.adminListAPIKeys)
	g.POST("/keys", s.adminCreateAPIKey)
	g.PUT("/keys/:id", s.adminUpdateAPIKey)
	g.GET("/keys/:id/usage", s.adminKeyUsage)

	g.GET("/settings", s.adminGetSettings)
	g.PUT("/settings/:name", s.adminPutSetting)

	g.GET("/aliases", s.adminListAliases)
	g.POST("/aliases", s.adminUpsertAlias)
	g.DELETE("/aliases/:id", s.adminDeleteAlias)

	g.GET("/pricing", s.adminListPricing)
	g.POST("/pricing", s.adminUpsertPricing)

	g.GET("/stats/pools", s.adminPoolStats)
	g.GET("/stats/storage", s.adminStorageStats)
	g.GET("/stats/runtime", s.adminRuntimeStats)
	g.GET("/tasks", s.adminListTasks)
	g.GET("/health/:provider", s.adminHealthRows)
}

func adminError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}

func adminBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": msg}})
}

// --- credentials ---

func (s *Server) adminListCredentials(c *gin.Context) {
	provider := c.Query("provider")
	providers := models.AllProviders
	if provider != "" {
		providers = []string{provider}
	}
	out := make([]*storage.Credential, 0)
	for _, p := range providers {
		creds, err := s.deps.Registry.List(c.Request.Context(), p)
		if err != nil {
			adminError(c, http.StatusInternalServerError, err)
			return
		}
		for _, cred := range creds {
			out = append(out, redactCredential(cred))
		}
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (s *Server) adminCreateCredential(c *gin.Context) {
	var cred storage.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	if cred.Provider == "" || cred.Name == "" {
		adminBadRequest(c, "provider and name are required")
		return
	}
	if !models.IsKnownProvider(cred.Provider) {
		adminBadRequest(c, "unknown provider "+cred.Provider)
		return
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.Active = true
	if err := s.deps.Registry.Add(c.Request.Context(), &cred); err != nil {
		adminError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusCreated, redactCredential(&cred))
}

func (s *Server) adminUpdateCredential(c *gin.Context) {
	provider, id := c.Param("provider"), c.Param("id")
	existing, err := s.deps.Registry.GetByID(c.Request.Context(), provider, id)
	if err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	var patch storage.Credential
	if err := c.ShouldBindJSON(&patch); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	// Identity is immutable; everything else follows the payload. Empty
	// secrets keep the stored values so the UI never has to echo them back.
	patch.ID, patch.Provider = existing.ID, existing.Provider
	if patch.Name == "" {
		patch.Name = existing.Name
	}
	if patch.AccessSecret == "" {
		patch.AccessSecret = existing.AccessSecret
	}
	if patch.RefreshSecret == "" {
		patch.RefreshSecret = existing.RefreshSecret
	}
	if patch.ClientSecret == "" {
		patch.ClientSecret = existing.ClientSecret
	}
	if patch.AuthMethod == "" {
		patch.AuthMethod = existing.AuthMethod
	}
	patch.CreatedAt = existing.CreatedAt
	patch.UseCount = existing.UseCount
	patch.QuotaJSON = existing.QuotaJSON
	patch.QuotaUpdatedAt = existing.QuotaUpdatedAt
	if err := s.deps.Registry.Update(c.Request.Context(), &patch); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, redactCredential(&patch))
}

func (s *Server) adminDeleteCredential(c *gin.Context) {
	if err := s.deps.Registry.Delete(c.Request.Context(), c.Param("provider"), c.Param("id")); err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) adminToggleCredential(c *gin.Context) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	if err := s.deps.Registry.ToggleActive(c.Request.Context(), c.Param("provider"), c.Param("id"), body.Active); err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": body.Active})
}

func (s *Server) adminListErrorCredentials(c *gin.Context) {
	rows, err := s.deps.Registry.ListErrors(c.Request.Context(), c.Query("provider"))
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": rows})
}

func (s *Server) adminRestoreCredential(c *gin.Context) {
	var secrets registry.RestoreSecrets
	if err := c.ShouldBindJSON(&secrets); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	cred, err := s.deps.Registry.RestoreFromError(c.Request.Context(), c.Param("id"), secrets)
	if err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, redactCredential(cred))
}

func (s *Server) adminDeleteErrorCredential(c *gin.Context) {
	if err := s.deps.Registry.DeleteError(c.Request.Context(), c.Param("id")); err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// redactCredential strips secrets before a row leaves the admin API.
func redactCredential(cred *storage.Credential) *storage.Credential {
	cp := *cred
	cp.AccessSecret = ""
	cp.RefreshSecret = ""
	cp.ClientSecret = ""
	return &cp
}

// --- API keys ---

func (s *Server) adminListAPIKeys(c *gin.Context) {
	keys, err := s.deps.Store.ListAPIKeys(c.Request.Context())
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	for _, k := range keys {
		k.KeyHash = ""
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) adminCreateAPIKey(c *gin.Context) {
	var key storage.APIKey
	if err := c.ShouldBindJSON(&key); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	if key.Name == "" {
		adminBadRequest(c, "name is required")
		return
	}
	raw, err := generateAPIKey()
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	key.ID = uuid.NewString()
	key.KeyHash = middleware.HashAPIKey(raw)
	key.KeyPrefix = raw[:11]
	key.Active = true
	key.CreatedAt = time.Now()
	if err := s.deps.Store.InsertAPIKey(c.Request.Context(), &key); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	redacted := key
	redacted.KeyHash = ""
	// The raw key is shown exactly once; only its hash is stored.
	c.JSON(http.StatusCreated, gin.H{"key": raw, "record": redacted})
}

func (s *Server) adminUpdateAPIKey(c *gin.Context) {
	existing, err := s.deps.Store.GetAPIKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	var patch storage.APIKey
	if err := c.ShouldBindJSON(&patch); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	patch.ID = existing.ID
	patch.KeyHash = existing.KeyHash
	patch.KeyPrefix = existing.KeyPrefix
	patch.CreatedAt = existing.CreatedAt
	patch.LastUsedAt = existing.LastUsedAt
	if patch.Name == "" {
		patch.Name = existing.Name
	}
	if err := s.deps.Store.UpdateAPIKey(c.Request.Context(), &patch); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	patch.KeyHash = ""
	c.JSON(http.StatusOK, patch)
}

func (s *Server) adminKeyUsage(c *gin.Context) {
	since := time.Time{}
	if days := c.Query("days"); days != "" {
		var n int
		if err := json.Unmarshal([]byte(days), &n); err != nil || n <= 0 {
			adminBadRequest(c, "days must be a positive integer")
			return
		}
		since = time.Now().AddDate(0, 0, -n)
	}
	summary, err := s.deps.Stats.Usage(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cr_" + hex.EncodeToString(buf), nil
}

// --- settings ---

func (s *Server) adminGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Settings.Get(c.Request.Context()))
}

func (s *Server) adminPutSetting(c *gin.Context) {
	var value json.RawMessage
	if err := c.ShouldBindJSON(&value); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	if err := s.deps.Settings.Put(c.Request.Context(), c.Param("name"), value); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.deps.Settings.Get(c.Request.Context()))
}

// --- model aliases and pricing ---

func (s *Server) adminListAliases(c *gin.Context) {
	rows, err := s.deps.Store.ListModelAliases(c.Request.Context())
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aliases": rows})
}

func (s *Server) adminUpsertAlias(c *gin.Context) {
	var alias storage.ModelAlias
	if err := c.ShouldBindJSON(&alias); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	if alias.Alias == "" || alias.Provider == "" || alias.TargetModel == "" {
		adminBadRequest(c, "alias, provider and target_model are required")
		return
	}
	if err := s.deps.Store.UpsertModelAlias(c.Request.Context(), &alias); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	s.deps.Resolver.Invalidate()
	c.JSON(http.StatusOK, alias)
}

func (s *Server) adminDeleteAlias(c *gin.Context) {
	var id int64
	if err := json.Unmarshal([]byte(c.Param("id")), &id); err != nil {
		adminBadRequest(c, "id must be numeric")
		return
	}
	if err := s.deps.Store.DeleteModelAlias(c.Request.Context(), id); err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	s.deps.Resolver.Invalidate()
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) adminListPricing(c *gin.Context) {
	rows, err := s.deps.Store.ListModelPricing(c.Request.Context())
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricing": rows})
}

func (s *Server) adminUpsertPricing(c *gin.Context) {
	var pricing storage.ModelPricing
	if err := c.ShouldBindJSON(&pricing); err != nil {
		adminBadRequest(c, err.Error())
		return
	}
	if pricing.ModelName == "" {
		adminBadRequest(c, "model_name is required")
		return
	}
	pricing.Source = "manual"
	pricing.IsCustom = true
	pricing.UpdatedAt = time.Now()
	if err := s.deps.Store.UpsertModelPricing(c.Request.Context(), &pricing); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	s.deps.Stats.InvalidatePricing()
	c.JSON(http.StatusOK, pricing)
}

// --- stats and diagnostics ---

func (s *Server) adminPoolStats(c *gin.Context) {
	out := make([]registry.PoolStats, 0, len(models.AllProviders))
	for _, p := range models.AllProviders {
		stats, err := s.deps.Registry.Stats(c.Request.Context(), p)
		if err != nil {
			adminError(c, http.StatusInternalServerError, err)
			return
		}
		out = append(out, stats)
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

func (s *Server) adminStorageStats(c *gin.Context) {
	stats, err := s.deps.Store.GetStorageStats(c.Request.Context())
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) adminRuntimeStats(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Metrics.GetSnapshot())
}

func (s *Server) adminListTasks(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Tasks.ListTasks()})
}

func (s *Server) adminHealthRows(c *gin.Context) {
	rows, err := s.deps.Store.ListHealth(c.Request.Context(), c.Param("provider"))
	if err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"health": rows})
}
