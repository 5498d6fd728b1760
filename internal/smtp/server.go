package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/pipeline"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Defaults applied when the configuration leaves a limit at zero.
const (
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxMessageSize = 25 * 1024 * 1024
	defaultMaxRecipients  = 100
)

// Submitter accepts messages for delivery. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, raw []byte, env email.Envelope, opts pipeline.SubmitOptions) (string, error)
	CheckRecipient(rcpt string, authenticated bool) error
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	Submitter Submitter

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64
	MaxRecipients  int
	IdleTimeout    time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = defaultMaxRecipients
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
}

// Server accepts SMTP connections and hands each accepted message to its
// Submitter.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("smtp server requires a submitter")
	}
	cfg.applyDefaults()

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}, nil
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// shutdownTimeout for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.auth, s.config).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
