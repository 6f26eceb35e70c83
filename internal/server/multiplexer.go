// Package server serves HTTP and gRPC on a single port, routing each
// connection by protocol with cmux.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"
)

// GRPCServer is the part of grpcserver.Server the multiplexer drives.
type GRPCServer interface {
	Serve(lis net.Listener) error
	Stop(ctx context.Context)
}

// Options configures the HTTP side.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Multiplexer owns the shared listener and both servers.
type Multiplexer struct {
	grpc GRPCServer
	http *http.Server
	log  logrus.FieldLogger

	mux      cmux.CMux
	listener net.Listener
	wg       sync.WaitGroup
}

// NewMultiplexer creates a Multiplexer; nothing listens until Start.
func NewMultiplexer(handler http.Handler, grpcSrv GRPCServer, opts Options, log logrus.FieldLogger) *Multiplexer {
	return &Multiplexer{
		grpc: grpcSrv,
		log:  log.WithField("component", "mux"),
		http: &http.Server{
			Handler:           handler,
			ReadTimeout:       opts.ReadTimeout,
			WriteTimeout:      opts.WriteTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start listens on address and serves in the background.
func (m *Multiplexer) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	m.Serve(lis)
	return nil
}

// Serve splits lis between gRPC and HTTP and returns immediately.
func (m *Multiplexer) Serve(lis net.Listener) {
	m.listener = lis
	m.mux = cmux.New(lis)

	// grpc-go clients wait for the server's SETTINGS frame before sending
	// headers, so the gRPC matcher has to write it.
	grpcL := m.mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.mux.Match(cmux.HTTP1Fast())

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		if err := m.grpc.Serve(grpcL); err != nil && !isClosed(err) {
			m.log.WithError(err).Error("[mux] gRPC server failed")
		}
	}()
	go func() {
		defer m.wg.Done()
		if err := m.http.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosed(err) {
			m.log.WithError(err).Error("[mux] HTTP server failed")
		}
	}()
	go func() {
		defer m.wg.Done()
		if err := m.mux.Serve(); err != nil && !isClosed(err) {
			m.log.WithError(err).Error("[mux] Multiplexer failed")
		}
	}()

	m.log.WithField("address", lis.Addr().String()).Info("[mux] Listening for HTTP and gRPC")
}

// Addr returns the bound address, or "" before Start.
func (m *Multiplexer) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop shuts both servers down, waiting at most until ctx expires.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.log.Info("[mux] Shutting down")

	var result *multierror.Error
	if err := m.http.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	m.grpc.Stop(ctx)
	if m.mux != nil {
		m.mux.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("[mux] Stopped")
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("shutdown timed out: %w", ctx.Err()))
	}
	return result.ErrorOrNil()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, cmux.ErrServerClosed)
}
