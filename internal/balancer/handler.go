package balancer

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Handler proxies inbound traffic to the pool and serves the /lb status
// surface.
type Handler struct {
	pool *Pool
}

func NewHandler(pool *Pool) *Handler {
	return &Handler{pool: pool}
}

// Engine builds the gin engine: status routes plus a catch-all proxy.
func (h *Handler) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", h.handleHealth)
	engine.GET("/lb", h.handleStatusPage)
	engine.GET("/lb/status", h.handleStatusJSON)
	engine.NoRoute(h.handleProxy)
	return engine
}

func (h *Handler) handleHealth(c *gin.Context) {
	healthy := h.pool.HealthyCount()
	total := len(h.pool.Backends())
	status := http.StatusOK
	state := "ok"
	if healthy == 0 {
		status = http.StatusServiceUnavailable
		state = "error"
	}
	c.JSON(status, gin.H{"status": state, "healthy": healthy, "total": total})
}

func (h *Handler) handleStatusJSON(c *gin.Context) {
	backends := h.pool.Backends()
	out := make([]Status, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.Status())
	}
	c.JSON(http.StatusOK, gin.H{
		"backends": out,
		"healthy":  h.pool.HealthyCount(),
		"time":     time.Now().UTC(),
	})
}

func (h *Handler) handleStatusPage(c *gin.Context) {
	var body string
	for _, b := range h.pool.Backends() {
		s := b.Status()
		state := "DOWN"
		if s.Healthy {
			state = "UP"
		}
		body += fmt.Sprintf("%-24s %-5s %8.1fms  %s\n", s.Addr, state, s.LatencyMS, s.LastCheck.Format(time.RFC3339))
	}
	if body == "" {
		body = "no backends configured\n"
	}
	c.String(http.StatusOK, body)
}

// clientKey derives the sticky-hash key for a request. Proxy headers win
// over the socket address so clients behind a shared frontend keep a
// stable backend assignment.
func clientKey(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first := strings.TrimSpace(strings.SplitN(xf, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		if ip := net.ParseIP(xr); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// handleProxy forwards the request to the selected backend. A connection
// error marks the backend unhealthy and retries once against the next
// healthy one; the sticky mapping is purged so the client re-hashes.
func (h *Handler) handleProxy(c *gin.Context) {
	clientIP := clientKey(c.Request)
	backend := h.pool.Select(clientIP)
	if backend == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "no backends configured"})
		return
	}
	h.proxyTo(c, backend, clientIP, true)
}

func (h *Handler) proxyTo(c *gin.Context, backend *Backend, clientIP string, allowRetry bool) {
	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: "http", Host: backend.Addr()})
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		backend.SetHealth(false, 0, time.Now())
		h.pool.Forget(clientIP)
		log.WithFields(log.Fields{
			"backend": backend.Addr(),
			"client":  clientIP,
		}).WithError(err).Warn("Proxy to backend failed")

		if allowRetry {
			if next := h.pool.Select(clientIP); next != nil && next.Healthy() && next.Addr() != backend.Addr() {
				h.proxyTo(c, next, clientIP, false)
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"all backends unavailable"}`))
	}
	proxy.ServeHTTP(c.Writer, c.Request)
	c.Abort()
}
