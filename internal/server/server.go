// Package server accepts IMAP and SMTP connections and hands each one to a
// protocol session running in its own goroutine. TLS is used when the
// configured key/cert pair is present, plaintext otherwise; the pair is
// loaded once at startup and never reloaded.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"mailgate/internal/conf"
	"mailgate/internal/imap"
	"mailgate/internal/metrics"
	"mailgate/internal/smtp"
)

// Authenticator verifies credentials for both protocols.
type Authenticator interface {
	Verify(ctx context.Context, email, password string) bool
}

// Server owns the two listeners and the shared collaborator adapters.
type Server struct {
	cfg       *conf.Config
	tlsConfig *tls.Config
	auth      Authenticator
	store     imap.Store
	transport smtp.Transport
	collector metrics.Collector
}

// New builds a Server. collector may be nil.
func New(cfg *conf.Config, auth Authenticator, store imap.Store, transport smtp.Transport, collector metrics.Collector) *Server {
	if collector == nil {
		collector = metrics.Nop{}
	}
	s := &Server{
		cfg:       cfg,
		auth:      auth,
		store:     store,
		transport: transport,
		collector: collector,
	}
	s.loadTLS()
	return s
}

// loadTLS reads the pre-supplied key/cert pair from the certificate
// directory. A missing pair is not fatal; the gateway then serves plaintext.
func (s *Server) loadTLS() {
	dir := s.cfg.CertDirectory()
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, "fullchain.pem"),
		filepath.Join(dir, "privkey.pem"),
	)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("server: TLS cert not loaded from %s: %v", dir, err)
		} else {
			log.Printf("server: no TLS cert in %s, serving plaintext", dir)
		}
		return
	}
	log.Printf("server: TLS cert loaded from %s", dir)
	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ListenAndServe runs both listeners until ctx is cancelled or a listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serve(ctx, "imap", s.cfg.IMAPPort, s.handleIMAP)
	})
	g.Go(func() error {
		return s.serve(ctx, "smtp", s.cfg.SMTPPort, s.handleSMTP)
	})

	return g.Wait()
}

func (s *Server) serve(ctx context.Context, protocol string, port int, handle func(context.Context, net.Conn)) error {
	addr := fmt.Sprintf(":%d", port)
	var (
		ln  net.Listener
		err error
	)
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr) // #nosec G102 -- the gateway serves all interfaces
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.Printf("server: %s listening on %s (tls=%v)", protocol, addr, s.tlsConfig != nil)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Printf("server: %s accept error: %v", protocol, err)
			continue
		}

		log.Printf("server: new %s connection from %s", protocol, conn.RemoteAddr())
		s.collector.ConnectionOpened(protocol)
		go func() {
			defer s.collector.ConnectionClosed(protocol)
			defer conn.Close()
			// One misbehaving connection must not take the process down
			// with it.
			defer func() {
				if r := recover(); r != nil {
					log.Printf("server: %s session panic from %s: %v", protocol, conn.RemoteAddr(), r)
				}
			}()
			handle(ctx, conn)
		}()
	}
}

func (s *Server) handleIMAP(ctx context.Context, conn net.Conn) {
	session := imap.NewSession(conn, s.auth, s.store, imap.Options{
		Collector:       s.collector,
		MaxLineBytes:    s.cfg.Limits.MaxLineBytes,
		MaxMessageBytes: s.cfg.Limits.MaxMessageBytes,
		IdleTimeout:     time.Duration(s.cfg.Limits.IdleSeconds) * time.Second,
	})
	if err := session.Serve(ctx); err != nil {
		log.Printf("server: imap session from %s ended: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) handleSMTP(ctx context.Context, conn net.Conn) {
	session := smtp.NewSession(conn, s.cfg.Hostname(), s.auth, s.transport, smtp.Options{
		Collector:       s.collector,
		MaxLineBytes:    s.cfg.Limits.MaxLineBytes,
		MaxMessageBytes: s.cfg.Limits.MaxMessageBytes,
		IdleTimeout:     time.Duration(s.cfg.Limits.IdleSeconds) * time.Second,
	})
	if err := session.Serve(ctx); err != nil {
		log.Printf("server: smtp session from %s ended: %v", conn.RemoteAddr(), err)
	}
}
