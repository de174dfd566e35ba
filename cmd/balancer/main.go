package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"claude-relay-go/internal/balancer"
	"claude-relay-go/internal/config"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/logging"
	"claude-relay-go/internal/runtime"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	manager, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	defer manager.Close()
	cfg := manager.Get()
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, dns, err := buildPool(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Backend discovery failed")
	}
	log.WithField("backends", len(pool.Backends())).Info("Balancer backend set ready")

	tasks := runtime.NewTaskManager(ctx)
	prober := balancer.NewProber(pool, cfg.BalancerProbePath)
	if err := tasks.Start("health-probe", func(ctx context.Context) error {
		prober.Run(ctx)
		return nil
	}); err != nil {
		log.WithError(err).Fatal("Probe loop start failed")
	}
	if dns != nil {
		if err := tasks.Start("dns-refresh", func(ctx context.Context) error {
			dns.Run(ctx)
			return nil
		}); err != nil {
			log.WithError(err).Fatal("DNS refresh start failed")
		}
	}

	port := cfg.BalancerPort
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: balancer.NewHandler(pool).Engine(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Balancer listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.WithError(err).Error("Balancer terminated")
		os.Exit(1)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	tasks.StopAll()
	tasks.Wait()
	log.Info("Balancer stopped")
}

// buildPool selects the discovery mode: explicit host list, DNS name, or
// local port-range expansion. Exactly one mode applies; the host list wins.
func buildPool(ctx context.Context, cfg *config.Config) (*balancer.Pool, *balancer.DNSDiscovery, error) {
	if hosts := strings.TrimSpace(os.Getenv("BACKEND_HOSTS")); hosts != "" {
		backends, err := balancer.ParseHostList(hosts)
		if err != nil {
			return nil, nil, err
		}
		return balancer.NewPool(backends), nil, nil
	}

	if name := strings.TrimSpace(os.Getenv("BACKEND_DNS")); name != "" {
		port, err := strconv.Atoi(os.Getenv("BACKEND_PORT"))
		if err != nil || port <= 0 {
			return nil, nil, fmt.Errorf("BACKEND_DNS requires a numeric BACKEND_PORT")
		}
		pool := balancer.NewPool(nil)
		dns := balancer.NewDNSDiscovery(name, port, pool)
		if err := dns.Resolve(ctx); err != nil {
			return nil, nil, err
		}
		return pool, dns, nil
	}

	if startStr := strings.TrimSpace(os.Getenv("BACKEND_START_PORT")); startStr != "" {
		start, err := strconv.Atoi(startStr)
		if err != nil {
			return nil, nil, fmt.Errorf("bad BACKEND_START_PORT: %w", err)
		}
		count, err := strconv.Atoi(os.Getenv("BACKEND_COUNT"))
		if err != nil {
			return nil, nil, fmt.Errorf("bad BACKEND_COUNT: %w", err)
		}
		backends, err := balancer.ExpandPortRange(start, count)
		if err != nil {
			return nil, nil, err
		}
		return balancer.NewPool(backends), nil, nil
	}

	if len(cfg.BalancerTargets) > 0 {
		backends, err := balancer.ParseHostList(strings.Join(cfg.BalancerTargets, ","))
		if err != nil {
			return nil, nil, err
		}
		return balancer.NewPool(backends), nil, nil
	}

	return nil, nil, fmt.Errorf("no backend discovery configured: set BACKEND_HOSTS, BACKEND_DNS, BACKEND_START_PORT, or balancer_targets")
}
