package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"
)

// Handler turns one request into zero or more responses. It runs on the
// executor side.
type Handler func(Request) []Response

// Server accepts session connections and answers requests in order, one at
// a time per connection.
type Server struct {
	handler Handler
	log     *zap.Logger
}

// NewServer returns a server dispatching to handler.
func NewServer(handler Handler, log *zap.Logger) *Server {
	return &Server{handler: handler, log: log}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Warn("dispatch read failed", zap.Error(err))
			}
			return
		}
		if payload == nil {
			// Stray terminator from the peer; nothing to answer.
			continue
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.log.Warn("dispatch request undecodable", zap.Error(err))
			return
		}

		s.log.Debug("dispatch request",
			zap.String("id", req.ID),
			zap.String("sender", req.Sender),
			zap.String("channel", req.Channel))

		for _, resp := range s.handler(req) {
			resp.ID = req.ID
			if err := writeJSONFrame(conn, resp); err != nil {
				s.log.Warn("dispatch write failed", zap.String("id", req.ID), zap.Error(err))
				return
			}
		}
		if err := writeTerminator(conn); err != nil {
			s.log.Warn("dispatch terminator write failed", zap.String("id", req.ID), zap.Error(err))
			return
		}
	}
}
