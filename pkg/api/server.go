package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/p4rt"
)

// Config configures the API server.
type Config struct {
	Addr string
	// TLSCert and TLSKey enable HTTPS. A missing pair is generated
	// self-signed and written to those paths.
	TLSCert string
	TLSKey  string
	Auth    *AuthConfig // nil = no authentication

	Bridge   *p4rt.Bridge
	Backend  *dpif.Backend
	EventBuf *logging.EventBuffer
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	tls        bool
	br         *p4rt.Bridge
	backend    *dpif.Backend
	eventBuf   *logging.EventBuffer
	log        *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "api")
	}
	s := &Server{
		br:        cfg.Bridge,
		backend:   cfg.Backend,
		eventBuf:  cfg.EventBuf,
		log:       cfg.Logger,
		startTime: time.Now(),
	}

	var handler http.Handler = s.routes()
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, handler)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := loadOrGenerateCert(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			s.log.Warn("TLS disabled: no usable certificate", "err", err)
		} else {
			s.tls = true
			s.httpServer.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}
	return s
}

// Handler returns the server's root handler, authentication included.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/types", s.typesHandler)

	mux.HandleFunc("GET /api/v1/switches", s.switchesHandler)
	mux.HandleFunc("POST /api/v1/switches", s.createSwitchHandler)
	mux.HandleFunc("GET /api/v1/switches/{name}", s.switchHandler)
	mux.HandleFunc("DELETE /api/v1/switches/{name}", s.destroySwitchHandler)

	mux.HandleFunc("GET /api/v1/switches/{name}/ports", s.portsHandler)
	mux.HandleFunc("POST /api/v1/switches/{name}/ports", s.addPortHandler)
	mux.HandleFunc("GET /api/v1/switches/{name}/ports/{dev}", s.queryPortHandler)
	mux.HandleFunc("DELETE /api/v1/switches/{name}/ports/{port}", s.removePortHandler)

	mux.HandleFunc("GET /api/v1/switches/{name}/program", s.programHandler)
	mux.HandleFunc("PUT /api/v1/switches/{name}/program", s.loadProgramHandler)
	mux.HandleFunc("DELETE /api/v1/switches/{name}/program", s.unloadProgramHandler)

	mux.HandleFunc("POST /api/v1/switches/{name}/inject", s.injectHandler)
	mux.HandleFunc("GET /api/v1/switches/{name}/stats", s.statsHandler)

	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)
	mux.HandleFunc("GET /api/v1/logs/stream", s.logStreamHandler)
	return mux
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tls {
			s.log.Info("HTTPS API server listening", "addr", s.httpServer.Addr)
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			s.log.Info("HTTP API server listening", "addr", s.httpServer.Addr)
			err = s.httpServer.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// loadOrGenerateCert loads the key pair at certPath/keyPath, creating and
// persisting a self-signed ECDSA P-256 certificate if it cannot be loaded.
func loadOrGenerateCert(certPath, keyPath string) (tls.Certificate, error) {
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "p4rt"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"p4rt"}},
		DNSNames:     []string{hostname, "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// persist for reuse across restarts; failure only costs a new cert
	os.MkdirAll(filepath.Dir(certPath), 0700)
	os.MkdirAll(filepath.Dir(keyPath), 0700)
	os.WriteFile(certPath, certPEM, 0644)
	os.WriteFile(keyPath, keyPEM, 0600)

	return tls.X509KeyPair(certPEM, keyPEM)
}
