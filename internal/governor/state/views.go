package state

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/await"
	"github.com/taskmesh/taskmesh/internal/governor/fetch"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// transportView caches the serialized form of one object while peers fetch
// it in chunks; repeated fetches of the same object share it.
type transportView struct {
	bytes    []byte
	deadline time.Time
}

// getTransportView returns (creating if needed) the cached serialized view
// of a finished object. Caller holds the lock.
func (s *State) getTransportView(o *Object) (*transportView, error) {
	if view, ok := s.views[o.ID()]; ok {
		view.deadline = time.Now().Add(transportViewTimeout)
		return view, nil
	}
	payload, err := o.Data.TransportBytes()
	if err != nil {
		return nil, err
	}
	view := &transportView{
		bytes:    payload,
		deadline: time.Now().Add(transportViewTimeout),
	}
	s.views[o.ID()] = view
	return view, nil
}

// ServeFetch answers one chunk request from a peer governor or a client.
func (s *State) ServeFetch(req v1.FetchMsg) v1.FetchReplyMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[req.ID]
	if !ok || o.State == ObjectRemoved {
		return v1.FetchReplyMsg{Status: v1.FetchNotHere}
	}
	if o.State != ObjectFinished {
		return v1.FetchReplyMsg{Status: v1.FetchNotHere}
	}

	view, err := s.getTransportView(o)
	if err != nil {
		s.log.Error("building transport view failed",
			zap.String("object", req.ID.String()), zap.Error(err))
		return v1.FetchReplyMsg{
			Status: v1.FetchError,
			Error:  &v1.SessionError{Message: err.Error()},
		}
	}

	total := uint64(len(view.bytes))
	offset := req.Offset
	if offset > total {
		offset = total
	}
	end := offset + req.Size
	if end > total {
		end = total
	}
	reply := v1.FetchReplyMsg{
		Status:        v1.FetchOk,
		Data:          view.bytes[offset:end],
		TransportSize: total,
	}
	if req.IncludeInfo {
		info := o.Info
		reply.Info = &info
	}
	return reply
}

// ServeFetchListener answers fetch requests from peers and clients on the
// governor's listen address.
func (s *State) ServeFetchListener(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conn := wire.NewConn(netConn)
		go func() {
			_ = conn.Serve(ctx, func(env *wire.Envelope) {
				if env.Message != v1.MsgFetch {
					s.log.Warn("unexpected peer message", zap.String("message", env.Message))
					return
				}
				var req v1.FetchMsg
				if err := env.Decode(&req); err != nil {
					s.log.Warn("malformed peer fetch", zap.Error(err))
					return
				}
				if err := conn.Reply(env, v1.MsgFetchReply, s.ServeFetch(req)); err != nil {
					s.log.Debug("peer fetch reply failed", zap.Error(err))
				}
			})
		}()
	}
}

// connSource adapts a wire connection into a fetch source.
type connSource struct {
	conn *wire.Conn
}

func (c connSource) Fetch(ctx context.Context, req v1.FetchMsg) (*v1.FetchReplyMsg, error) {
	env, err := c.conn.Request(ctx, v1.MsgFetch, req)
	if err != nil {
		return nil, err
	}
	var reply v1.FetchReplyMsg
	if err := env.Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

var _ fetch.Resolver = (*State)(nil)

// Server returns the upstream connection as a fetch source.
func (s *State) Server() fetch.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return connSource{conn: s.upstream}
}

// Governor returns (establishing on first use) a connection to a peer
// governor. Concurrent fetches of different objects share the link; callers
// racing the dial wait on the same init cell.
func (s *State) Governor(ctx context.Context, id v1.GovernorID) (fetch.Source, error) {
	s.mu.Lock()
	cell, ok := s.remotes[id]
	if !ok {
		cell = await.NewCell[*wire.Conn]()
		s.remotes[id] = cell
		go s.dialPeer(id, cell)
	}
	s.mu.Unlock()

	conn, err := cell.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return connSource{conn: conn}, nil
}

func (s *State) dialPeer(id v1.GovernorID, cell *await.Cell[*wire.Conn]) {
	netConn, err := net.Dial("tcp", string(id))
	if err != nil {
		s.mu.Lock()
		delete(s.remotes, id)
		s.mu.Unlock()
		cell.Fail(fmt.Errorf("connecting to governor %s: %w", id, err))
		return
	}
	conn := wire.NewConn(netConn)
	go func() {
		_ = conn.Serve(s.bg, func(env *wire.Envelope) {
			s.log.Warn("unexpected message on peer link", zap.String("message", env.Message))
		})
		s.mu.Lock()
		delete(s.remotes, id)
		s.mu.Unlock()
	}()
	s.log.Debug("peer connection established", zap.String("governor", string(id)))
	cell.Set(conn)
}
