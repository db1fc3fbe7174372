package main

import (
	"context"
	"sync"

	"github.com/rexliu/xconn/pkg/ipc"
	"github.com/rexliu/xconn/pkg/logging"
	"github.com/rexliu/xconn/pkg/message"
	"github.com/rexliu/xconn/pkg/storage/sqlite"
)

// echoService replies to every message with the message itself and keeps
// a journal of the connections it served.
type echoService struct {
	logger  *logging.Logger
	journal *sqlite.Store

	mu     sync.Mutex
	counts map[string]int64
}

func newEchoService(logger *logging.Logger) *echoService {
	return &echoService{logger: logger, counts: make(map[string]int64)}
}

func (s *echoService) ServeMessage(ctx context.Context, c *ipc.Connection, m message.Message) {
	if ev, ok := m.(message.Error); ok {
		s.logger.Printf("connection %s: %v", c.ID(), ev)
		s.record(ctx, c.ID(), "interrupted", "")
		return
	}
	s.logger.Printf("connection %s: received %s", c.ID(), message.Format(m))
	if err := c.Send(m); err != nil {
		s.logger.Printf("connection %s: reply failed: %v", c.ID(), err)
	}
	// Send duplicated them
	ipc.ReleaseDescriptors(m)

	s.mu.Lock()
	s.counts[c.ID()]++
	s.mu.Unlock()
}

func (s *echoService) Opened(ctx context.Context, c *ipc.Connection) {
	token := c.Identity()
	s.logger.Printf("connection %s: accepted peer uid=%d pid=%d", c.ID(), token.EUID(), token.PID())
	if s.journal == nil {
		return
	}
	err := s.journal.RecordOpen(ctx, sqlite.Connection{
		ID:       c.ID(),
		Endpoint: c.Endpoint(),
		PeerUID:  token.EUID(),
		PeerPID:  token.PID(),
		State:    c.State().String(),
	})
	if err != nil {
		s.logger.Printf("journal: %v", err)
	}
}

func (s *echoService) Closed(ctx context.Context, c *ipc.Connection) {
	s.mu.Lock()
	count := s.counts[c.ID()]
	delete(s.counts, c.ID())
	s.mu.Unlock()

	state := c.State()
	if !state.Final() {
		state = ipc.StateTerminated
	}
	var cause string
	if err := c.Err(); err != nil {
		cause = err.Error()
	}
	s.logger.Printf("connection %s: %s after %d messages", c.ID(), state, count)
	if s.journal == nil {
		return
	}
	// shutdown cancels ctx; the final row is still written
	if err := s.journal.RecordClose(context.WithoutCancel(ctx), c.ID(), state.String(), cause, count); err != nil {
		s.logger.Printf("journal: %v", err)
	}
}

func (s *echoService) record(ctx context.Context, id, kind, detail string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordEvent(ctx, id, kind, detail); err != nil {
		s.logger.Printf("journal: %v", err)
	}
}
