// Package govcomm runs the server's governor-facing endpoint: a TCP
// listener speaking the framed MessagePack wire protocol. Each governor
// connection registers itself, then exchanges fire-and-forget control
// messages (ordered per connection) and answers fetches of server-owned
// bytes.
package govcomm

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/server/state"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	"github.com/taskmesh/taskmesh/pkg/wire"
)

// Server accepts governor connections.
type Server struct {
	state    *state.State
	listener net.Listener
	log      *logger.Logger
}

// Listen binds the governor endpoint.
func Listen(address string, st *state.State, log *logger.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("binding governor endpoint %s: %w", address, err)
	}
	return &Server{
		state:    st,
		listener: listener,
		log:      log.WithComponent("govcomm"),
	}, nil
}

// Address returns the bound address.
func (s *Server) Address() string { return s.listener.Addr().String() }

// Run accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, netConn)
	}
}

// Close stops the listener.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	conn := wire.NewConn(netConn)

	env, err := conn.Recv()
	if err != nil {
		_ = conn.Close()
		return
	}
	if env.Message != v1.MsgRegisterGovernor {
		s.log.Warn("first governor message is not a registration",
			zap.String("message", env.Message))
		_ = conn.Close()
		return
	}
	var register v1.RegisterGovernorMsg
	if err := env.Decode(&register); err != nil {
		s.log.Warn("malformed governor registration", zap.Error(err))
		_ = conn.Close()
		return
	}
	if register.Version != v1.ProtocolVersion {
		s.log.Warn("governor protocol version mismatch",
			zap.String("got", register.Version),
			zap.String("want", v1.ProtocolVersion))
		_ = conn.Close()
		return
	}

	governorID := v1.GovernorID(register.Address)
	control := newControl(conn, s.log.WithFields(zap.String("governor", register.Address)))
	if _, err := s.state.AddGovernor(governorID, register.Resources, control); err != nil {
		s.log.Warn("governor registration rejected", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := conn.Reply(env, v1.MsgGovernorAccepted, v1.GovernorAcceptedMsg{GovernorID: governorID}); err != nil {
		s.state.GovernorLost(governorID, "registration reply failed")
		_ = conn.Close()
		return
	}

	go control.runWriter(ctx)

	serveErr := conn.Serve(ctx, func(env *wire.Envelope) {
		s.dispatch(governorID, conn, env)
	})
	cause := "connection closed"
	if serveErr != nil && serveErr != context.Canceled {
		cause = serveErr.Error()
	}
	control.stop()
	s.state.GovernorLost(governorID, cause)
}

func (s *Server) dispatch(governorID v1.GovernorID, conn *wire.Conn, env *wire.Envelope) {
	switch env.Message {
	case v1.MsgUpdateStates:
		var msg v1.UpdateStatesMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Warn("malformed state update", zap.Error(err))
			return
		}
		s.state.UpdatesFromGovernor(governorID, msg.Update)

	case v1.MsgFetch:
		var msg v1.FetchMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Warn("malformed fetch", zap.Error(err))
			return
		}
		reply := s.state.ServeData(msg)
		if err := conn.Reply(env, v1.MsgFetchReply, reply); err != nil {
			s.log.Debug("fetch reply failed", zap.Error(err))
		}

	case v1.MsgPushEvents:
		var msg v1.PushEventsMsg
		if err := env.Decode(&msg); err != nil {
			s.log.Warn("malformed event push", zap.Error(err))
			return
		}
		s.state.AppendGovernorEvents(governorID, msg)

	default:
		s.log.Warn("unknown governor message", zap.String("message", env.Message))
	}
}
