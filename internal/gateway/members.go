package gateway

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/protocol"
	"github.com/luciancaetano/shardline/internal/websocket"
)

// memberQueue holds full member list requests until the last chunk of the
// answer arrives. Unanswered requests are sent again after every READY or
// RESUMED.
type memberQueue struct {
	mu          sync.Mutex
	outstanding []shardline.Snowflake
	queued      map[shardline.Snowflake]bool
	pending     []shardline.Snowflake
	wake        chan struct{}
}

func newMemberQueue() *memberQueue {
	return &memberQueue{
		queued: make(map[shardline.Snowflake]bool),
		wake:   make(chan struct{}, 1),
	}
}

func (q *memberQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// add queues id unless a request for it is already outstanding.
func (q *memberQueue) add(id shardline.Snowflake) bool {
	q.mu.Lock()
	if q.queued[id] {
		q.mu.Unlock()
		return false
	}
	q.queued[id] = true
	q.outstanding = append(q.outstanding, id)
	q.pending = append(q.pending, id)
	q.mu.Unlock()
	q.signal()
	return true
}

// done drops the request for id.
func (q *memberQueue) done(id shardline.Snowflake) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.queued[id] {
		return
	}
	delete(q.queued, id)
	match := func(o shardline.Snowflake) bool { return o == id }
	q.outstanding = slices.DeleteFunc(q.outstanding, match)
	q.pending = slices.DeleteFunc(q.pending, match)
}

// rewind schedules every unanswered request for the new connection.
func (q *memberQueue) rewind() {
	q.mu.Lock()
	q.pending = slices.Clone(q.outstanding)
	q.mu.Unlock()
	q.signal()
}

func (q *memberQueue) pop() (shardline.Snowflake, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id, true
}

func (q *memberQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.outstanding)
}

// QueueMemberRequest asks for the full member list of serverID once the
// command budget allows it. The request survives reconnects and is dropped
// when its last GUILD_MEMBERS_CHUNK arrives or the server is deleted.
func (s *Session) QueueMemberRequest(serverID shardline.Snowflake) error {
	if s.ctx.Err() != nil {
		return shardline.ErrSessionClosed
	}
	if s.members.add(serverID) {
		s.log.Debugw("member request queued", "server", serverID, "outstanding", s.members.len())
	}
	return nil
}

// PendingMemberRequests counts requests still waiting for their last chunk.
func (s *Session) PendingMemberRequests() int { return s.members.len() }

// sendMemberRequests drains the queue on one connection until ctx ends.
// Each request waits for the command limiter as long as it takes.
func (s *Session) sendMemberRequests(ctx context.Context, conn *websocket.Conn) {
	for {
		id, ok := s.members.pop()
		if !ok {
			select {
			case <-s.members.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := s.commands.Wait(ctx); err != nil {
			return
		}
		payload, err := protocol.Encode(shardline.OpRequestGuildMembers, protocol.RequestMembers{
			ServerID: id,
			Nonce:    uuid.NewString(),
		})
		if err != nil {
			s.log.Warnw("dropping member request", "server", id, "error", err)
			s.members.done(id)
			continue
		}
		if err := conn.Send(ctx, payload); err != nil {
			s.log.Debugw("member request not sent, retrying after reconnect", "server", id, "error", err)
			return
		}
		s.log.Debugw("member request sent", "server", id)
	}
}

type memberProgress struct {
	ServerID    shardline.Snowflake `json:"guild_id"`
	ID          shardline.Snowflake `json:"id"`
	Unavailable bool                `json:"unavailable"`
	ChunkIndex  int                 `json:"chunk_index"`
	ChunkCount  int                 `json:"chunk_count"`
}

// trackMembers completes queued requests from the dispatches that answer
// them. Malformed payloads are left to the handler to report.
func (s *Session) trackMembers(name string, data json.RawMessage) {
	var p memberProgress
	switch name {
	case "GUILD_MEMBERS_CHUNK":
		if json.Unmarshal(data, &p) == nil && p.ChunkIndex >= p.ChunkCount-1 {
			s.members.done(p.ServerID)
		}
	case "GUILD_DELETE":
		if json.Unmarshal(data, &p) == nil && !p.Unavailable {
			s.members.done(p.ID)
		}
	}
}
