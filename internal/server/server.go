// Package server accepts subscriber connections over TCP and bridges
// them to the mutation pipeline and the broadcast hub. The protocol is
// newline-delimited JSON: one envelope per line in both directions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/calvinalkan/issued/internal/hub"
	"github.com/calvinalkan/issued/internal/issue"
	"github.com/calvinalkan/issued/internal/logger"
	"github.com/calvinalkan/issued/internal/pipeline"
)

// Server owns the listener and the per-connection goroutines.
type Server struct {
	addr string
	pipe *pipeline.Pipeline
	hub  *hub.Hub
	log  logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup
}

// New wires a server. Run must be called to start listening.
func New(addr string, pipe *pipeline.Pipeline, h *hub.Hub, log logger.Logger) *Server {
	return &Server{
		addr:  addr,
		pipe:  pipe,
		hub:   h,
		log:   log,
		conns: make(map[*conn]struct{}),
	}
}

// Addr returns the bound listen address. Only valid after Run has started
// listening; before that it returns the configured address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// Run listens and serves until ctx is cancelled, then closes the listener
// and every live connection and waits for the handlers to drain.
func (s *Server) Run(ctx context.Context) error {
	listener, listenErr := net.Listen("tcp", s.addr)
	if listenErr != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, listenErr)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		netConn, acceptErr := listener.Accept()
		if acceptErr != nil {
			// Listener closed during shutdown.
			if ctx.Err() != nil {
				break
			}

			if errors.Is(acceptErr, net.ErrClosed) {
				break
			}

			s.log.Warn("accept failed", "error", acceptErr)

			continue
		}

		s.wg.Add(1)

		go s.handle(netConn)
	}

	s.wg.Wait()

	return nil
}

// handle runs one connection: register, push the initial snapshot, then
// read requests until the connection drops.
//
// Registration and the initial snapshot happen inside the pipeline's
// critical section (Attach), so the new subscriber never has a gap: it
// observes the join snapshot first and then every later commit.
func (s *Server) handle(netConn net.Conn) {
	defer s.wg.Done()

	c := newConn(netConn)

	s.track(c)

	s.log.Info("subscriber connected", "remote", netConn.RemoteAddr().String())

	var sendErr error

	s.pipe.Attach(func(snapshot []issue.Issue) {
		s.hub.Subscribe(c)
		sendErr = c.Send(snapshot)
	})

	if sendErr != nil {
		s.log.Warn("initial snapshot failed", "remote", netConn.RemoteAddr().String(), "error", sendErr)
	} else {
		s.readLoop(c)
	}

	s.hub.Unsubscribe(c)
	s.untrack(c)
	c.close()

	s.log.Info("subscriber disconnected", "remote", netConn.RemoteAddr().String())
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	// Closing the sockets unblocks every readLoop.
	for c := range s.conns {
		c.close()
	}
}
