// Package transport serves the envelope protocol over a Unix domain
// socket. Each connection carries newline-delimited JSON envelopes;
// every request line produces exactly one response line.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/vmwarden/vmwarden/internal/model"
	"github.com/vmwarden/vmwarden/internal/router"
)

// maxLineSize bounds a single envelope line.
const maxLineSize = 1 << 20

// Server accepts envelope connections and routes them.
type Server struct {
	path   string
	router *router.Router

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer builds a socket server for the given path.
func NewServer(path string, r *router.Router) *Server {
	return &Server{path: path, router: r}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve listens on the socket until ctx is cancelled. A stale socket
// file from a previous run is removed before binding. The socket is
// restricted to the owning user.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("transport: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("transport: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed on shutdown.
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "transport: accept: %v\n", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	os.Remove(s.path)
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp any
		env, err := model.DecodeEnvelope(line)
		if err != nil {
			resp = model.NewErrorEnvelope(model.CodeBadRequest, err.Error())
		} else {
			resp = s.router.Handle(ctx, env)
		}
		if err := enc.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "transport: write response: %v\n", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "transport: read: %v\n", err)
	}
}
