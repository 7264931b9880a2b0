package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/flashbots/macnet/protocol"
)

// handle reads request lines from one connection until it is closed.
func (s *Server) handle(ctx context.Context, c *Conn) {
	defer s.handlers.Done()
	defer c.Close()

	log := s.log.With("session", c.id)
	for {
		line, err := c.readLine()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", "err", err)
			}
			return
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			log.Warn("ignoring request", "err", err)
			continue
		}

		switch cmd.Kind {
		case protocol.CommandProbe:
			s.answerProbe(c)
		case protocol.CommandOffset:
			s.requests.Inc()
			c.requests.Inc()
			req := Request{Session: c.id, Offset: cmd.Offset, Arrival: s.now(), Conn: c}
			if s.scheduler != nil {
				s.scheduler.Enqueue(req)
			} else {
				s.serve(req)
			}
		}
	}
}

func (s *Server) answerProbe(c *Conn) {
	s.probes.Inc()
	reply := protocol.ReplyIdle
	if s.arbiter != nil && s.arbiter.Busy() {
		reply = protocol.ReplyBusy
	}
	if err := c.writeLines(protocol.EncodeMarker(reply)); err != nil {
		s.log.Debug("probe reply failed", "session", c.id, "err", err)
	}
}

// serve answers one offset request: out-of-range marker, collision marker or
// the chunk itself.
func (s *Server) serve(req Request) {
	c := req.Conn
	log := s.log.With("session", req.Session, "offset", req.Offset)

	tokens, eof, err := s.corpus.Slice(req.Offset, s.cfg.Protocol.ChunkSize)
	if err != nil {
		s.outOfRange.Inc()
		c.markTerminal()
		if err := c.writeLines(protocol.EncodeMarker(protocol.MarkerOutOfRange)); err != nil {
			log.Debug("write failed", "err", err)
		}
		return
	}

	var grant protocol.Grant
	if s.arbiter != nil {
		grant = s.arbiter.Acquire(req.Session, req.Arrival)
		if grant == nil {
			s.collide(c)
			if err := c.writeLines(protocol.EncodeMarker(protocol.MarkerCollision)); err != nil {
				log.Debug("write failed", "err", err)
			}
			return
		}
	}

	lines := protocol.EncodePackets(tokens, eof, s.cfg.Protocol.PacketSize)
	complete, err := c.writeChunk(lines, grant)
	if grant != nil {
		if complete {
			grant.Release()
		} else {
			grant.Abort()
		}
	}
	if err != nil {
		log.Debug("write failed", "err", err)
		return
	}
	if !complete {
		s.collide(c)
		log.Debug("transfer aborted by collision")
		return
	}

	s.chunks.Inc()
	c.chunks.Inc()
	if eof && c.markServed() {
		n := s.served.Inc()
		log.Info("session served", "served", n, "requests", c.requests.Load(), "collisions", c.collisions.Load())
	}
}

func (s *Server) collide(c *Conn) {
	s.collisions.Inc()
	c.collisions.Inc()
}
