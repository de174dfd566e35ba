package server

import (
	"net/http"
	"strings"
	"time"

	apperrors "claude-relay-go/internal/errors"
	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/translator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleModels lists the built-in model catalogue plus active aliases.
func (s *Server) handleModels(c *gin.Context) {
	now := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]gin.H, 0, len(models.BuiltinModels))
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  now,
			"owned_by": "claude-relay",
		})
	}
	for _, id := range models.BuiltinModels {
		add(id)
	}
	if aliases, err := s.deps.Store.ListModelAliases(c.Request.Context()); err == nil {
		for _, alias := range aliases {
			if alias.Active {
				add(alias.Alias)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleMessages serves the Claude-style /v1/messages surface.
func (s *Server) handleMessages(c *gin.Context) {
	var mreq models.MessagesRequest
	if err := c.ShouldBindJSON(&mreq); err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(apperrors.KindBadRequest, "Malformed request body: "+err.Error()))
		return
	}
	s.serve(c, &mreq, false)
}

// handleChatCompletions serves the OpenAI-compatible surface by converting
// to the Claude shape at the edge.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var oreq models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&oreq); err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(apperrors.KindBadRequest, "Malformed request body: "+err.Error()))
		return
	}
	mreq, err := oreq.ToMessagesRequest()
	if err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(apperrors.KindBadRequest, err.Error()))
		return
	}
	s.serve(c, mreq, true)
}

// serve runs the shared pipeline for both surfaces: guard, exchange, pump,
// log.
func (s *Server) serve(c *gin.Context, mreq *models.MessagesRequest, openAI bool) {
	if mreq.Model == "" || len(mreq.Messages) == 0 {
		middleware.AbortWithAPIError(c, apperrors.New(apperrors.KindBadRequest, "model and messages are required"))
		return
	}

	key, _ := middleware.KeyRecord(c)
	if key != nil {
		if err := s.deps.Stats.CheckLimits(c.Request.Context(), key); err != nil {
			s.logQuotaRejection(c, key, mreq)
			middleware.AbortWithAPIError(c, apperrors.New(apperrors.KindQuotaExceeded, err.Error()))
			return
		}
	}

	fingerprint := c.ClientIP()
	if key != nil {
		fingerprint = key.ID
	}

	start := time.Now()
	ex, apiErr := s.openExchange(c.Request.Context(), mreq, fingerprint)
	if apiErr != nil {
		middleware.AbortWithAPIError(c, apiErr)
		return
	}
	defer ex.resp.Body.Close()

	meta := translator.MessageMeta{
		ID:    "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Model: mreq.Model,
	}

	var usage models.Usage
	var status int
	if mreq.Stream {
		usage, status = s.pumpStream(c, ex, meta, openAI)
	} else {
		usage, status = s.collectResponse(c, ex, meta, openAI)
	}

	s.deps.Selector.OnSuccess(c.Request.Context(), ex.provider, ex.credential.ID)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTokenUsage(int64(usage.InputTokens), int64(usage.OutputTokens))
	}
	s.writeAPILog(c, key, ex, mreq, usage, status, time.Since(start))
}

// pumpStream reads the upstream body and forwards normalized events as SSE
// frames until the stream ends or the client goes away.
func (s *Server) pumpStream(c *gin.Context, ex *exchange, meta translator.MessageMeta, openAI bool) (models.Usage, int) {
	sseHeaders(c.Writer)
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	parser := translator.New(ex.request.Format)
	renderer := translator.NewOpenAIRenderer(meta)
	var usage models.Usage
	clientGone := false

	emit := func(events []translator.Event) {
		for _, ev := range events {
			if ev.Usage != nil {
				if ev.Usage.InputTokens > 0 {
					usage.InputTokens = ev.Usage.InputTokens
				}
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			}
			if clientGone {
				continue
			}
			var err error
			if openAI {
				if chunk := renderer.Render(ev); chunk != nil {
					err = sseWriteData(c.Writer, flusher, chunk)
				}
			} else {
				name, payload := translator.RenderClaude(ev, meta)
				err = sseWriteEvent(c.Writer, flusher, name, payload)
			}
			if err != nil {
				clientGone = true
				if s.deps.Metrics != nil {
					s.deps.Metrics.RecordStreamingDisconnect("client_write")
				}
				continue
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.RecordStreamingEvent()
			}
		}
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordStreamingRequest()
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := ex.resp.Body.Read(buf)
		if n > 0 {
			emit(parser.Feed(buf[:n]))
		}
		if err != nil {
			break
		}
		if clientGone {
			// Keep draining usage events but stop once the upstream is done;
			// no point holding the connection for a departed client.
			break
		}
	}
	emit(parser.Finish())
	if openAI && !clientGone {
		_ = sseWriteDone(c.Writer, flusher)
	}
	return usage, http.StatusOK
}

// collectResponse folds the whole upstream stream into a single JSON body.
func (s *Server) collectResponse(c *gin.Context, ex *exchange, meta translator.MessageMeta, openAI bool) (models.Usage, int) {
	parser := translator.New(ex.request.Format)
	collector := translator.NewCollector()

	buf := make([]byte, 32*1024)
	for {
		n, err := ex.resp.Body.Read(buf)
		if n > 0 {
			collector.AddAll(parser.Feed(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	collector.AddAll(parser.Finish())

	msg := collector.Message(meta.ID, meta.Model)
	if openAI {
		c.JSON(http.StatusOK, translator.ToOpenAIResponse(msg))
	} else {
		c.JSON(http.StatusOK, msg)
	}
	return msg.Usage, http.StatusOK
}

// writeAPILog records one completed request when request logging is on.
func (s *Server) writeAPILog(c *gin.Context, key *storage.APIKey, ex *exchange, mreq *models.MessagesRequest, usage models.Usage, status int, elapsed time.Duration) {
	if !s.deps.Settings.Get(c.Request.Context()).RequestLogEnabled {
		return
	}
	row := &storage.APILog{
		RequestID:    c.GetString("request_id"),
		Model:        mreq.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		StatusCode:   status,
		DurationMs:   elapsed.Milliseconds(),
		Path:         c.Request.URL.Path,
		CreatedAt:    time.Now(),
	}
	if key != nil {
		row.APIKeyID = key.ID
	}
	if ex != nil {
		row.CredentialID = ex.credential.ID
		row.Provider = ex.provider
	}
	if err := s.deps.Store.InsertAPILog(c.Request.Context(), row); err != nil {
		log.WithError(err).Warn("Request log write failed")
	}
}

// logQuotaRejection optionally records refused requests so operators can see
// keys hammering their limits.
func (s *Server) logQuotaRejection(c *gin.Context, key *storage.APIKey, mreq *models.MessagesRequest) {
	settings := s.deps.Settings.Get(c.Request.Context())
	if !settings.RequestLogEnabled || !settings.LogQuotaRejections {
		return
	}
	row := &storage.APILog{
		RequestID:  c.GetString("request_id"),
		APIKeyID:   key.ID,
		Model:      mreq.Model,
		StatusCode: http.StatusTooManyRequests,
		Path:       c.Request.URL.Path,
		CreatedAt:  time.Now(),
	}
	if err := s.deps.Store.InsertAPILog(c.Request.Context(), row); err != nil {
		log.WithError(err).Warn("Quota rejection log write failed")
	}
}
