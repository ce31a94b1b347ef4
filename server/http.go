// Package server provides the HTTP(S) front end of the registry
// cache: listeners, TLS termination, request logging, the metrics
// endpoint, and graceful shutdown ordering.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/re-cinq/registry-cache/config"
	"github.com/re-cinq/registry-cache/ingest"
	"github.com/re-cinq/registry-cache/proxy"
	"github.com/re-cinq/registry-cache/store"
	"github.com/re-cinq/registry-cache/telemetry"
)

const tlsPort = "443"

// Server is the registry cache front end.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.BlobStore
	coord      *ingest.Coordinator
	proxy      *proxy.Handler
	httpServer *http.Server
}

// New wires the cache components from configuration. Storage problems
// surface here so the process can fail before binding anything.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	blobStore, err := store.New(cfg.Storage.Folder)
	if err != nil {
		return nil, fmt.Errorf("initializing blob store: %w", err)
	}

	// No overall client timeout: blob bodies may take arbitrarily
	// long. The dial, TLS handshake and response headers are
	// time-bounded; IdleConnTimeout only closes pooled keep-alive
	// connections left unused. A body that stalls mid-transfer is
	// not timed out.
	client := &http.Client{
		Transport: telemetry.NewInstrumentedTransport(&http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       cfg.API.UpstreamIdleTimeout.Std(),
			MaxIdleConnsPerHost:   16,
		}),
	}

	router, err := proxy.NewRouter(cfg.Upstreams, client)
	if err != nil {
		return nil, fmt.Errorf("building upstream router: %w", err)
	}

	coord := ingest.NewCoordinator(blobStore,
		ingest.WithLogger(logger.With("component", "ingest")),
	)
	proxyHandler := proxy.NewHandler(router, blobStore, coord,
		proxy.WithLogger(logger.With("component", "proxy")),
	)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  blobStore,
		coord:  coord,
		proxy:  proxyHandler,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/", proxyHandler)

	s.httpServer = &http.Server{
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       75 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Coordinator returns the ingestion coordinator.
func (s *Server) Coordinator() *ingest.Coordinator {
	return s.coord
}

// Start binds the listeners and serves until Shutdown or a listener
// failure. A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	plainAddr := net.JoinHostPort(s.cfg.API.Address, s.cfg.API.Port)
	plainLn, err := s.listen(plainAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", plainAddr, err)
	}

	var tlsLn net.Listener
	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.API.TLSCert, s.cfg.API.TLSKey)
		if err != nil {
			_ = plainLn.Close()
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		tlsAddr := net.JoinHostPort(s.cfg.API.Address, tlsPort)
		inner, err := s.listen(tlsAddr)
		if err != nil {
			_ = plainLn.Close()
			return fmt.Errorf("binding %s: %w", tlsAddr, err)
		}
		tlsLn = tls.NewListener(inner, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	for _, up := range s.cfg.Upstreams {
		s.logger.Info("forwarding",
			"host", up.Host,
			"upstream", fmt.Sprintf("%s://%s:%d", up.Schema, up.Registry, up.Port),
		)
	}
	s.logger.Info("listening", "address", plainAddr, "tls", tlsLn != nil)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serve(plainLn) })
	if tlsLn != nil {
		g.Go(func() error { return s.serve(tlsLn) })
	}
	return g.Wait()
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.API.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.API.MaxConnections)
	}
	return ln, nil
}

func (s *Server) serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server: stop accepting, let in-flight requests
// and downloads finish, return once the in-flight map is empty. No
// forced deadline is imposed here; an outer supervisor may cancel the
// context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("draining", "inflight_downloads", s.coord.InFlight())
	s.coord.BeginDrain()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := s.coord.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for in-flight downloads: %w", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// handleHealth answers liveness probes locally; it is never proxied.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware tags, counts, and logs every request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		telemetry.Requests.Inc()
		telemetry.ConnectedClients.Inc()
		defer telemetry.ConnectedClients.Dec()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		telemetry.ResponseCodes.WithLabelValues(fmt.Sprintf("%d", wrapped.status), r.Method).Inc()

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)
	})
}

// responseWriter captures the status code and bytes written while
// preserving http.Flusher for streaming responses.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
