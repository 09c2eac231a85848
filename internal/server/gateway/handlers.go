package gateway

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/server/state"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
	ws "github.com/taskmesh/taskmesh/pkg/websocket"
)

// Handlers binds the client RPC actions to the server state machine.
type Handlers struct {
	state *state.State
	log   *logger.Logger
}

func NewHandlers(st *state.State, log *logger.Logger) *Handlers {
	return &Handlers{state: st, log: log.WithComponent("client_rpc")}
}

// RegisterHandlers wires every action into the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionNewSession, h.newSession)
	d.RegisterFunc(ws.ActionCloseSession, h.closeSession)
	d.RegisterFunc(ws.ActionGetServerInfo, h.serverInfo)
	d.RegisterFunc(ws.ActionSubmit, h.submit)
	d.RegisterFunc(ws.ActionFetch, h.fetch)
	d.RegisterFunc(ws.ActionUnkeep, h.unkeep)
	d.RegisterFunc(ws.ActionWait, h.wait)
	d.RegisterFunc(ws.ActionWaitSome, h.waitSome)
	d.RegisterFunc(ws.ActionGetState, h.getState)
	d.RegisterFunc(ws.ActionTerminateServer, h.terminate)
}

func (h *Handlers) newSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.NewSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	sessionID, err := h.state.NewSession(ClientIDFromContext(ctx), req.Spec)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.NewSessionResponse{SessionID: sessionID})
}

func (h *Handlers) closeSession(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CloseSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	if err := h.state.CloseSession(req.SessionID); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.CloseSessionResponse{})
}

func (h *Handlers) serverInfo(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, h.state.ServerInfo())
}

func (h *Handlers) submit(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.SubmitRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	if err := h.state.Submit(ClientIDFromContext(ctx), req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.SubmitResponse{})
}

func (h *Handlers) fetch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.FetchMsg
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	reply, err := h.state.Fetch(ctx, req)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, reply)
}

func (h *Handlers) unkeep(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.UnkeepRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	sessionErr, err := h.state.Unkeep(req.ObjectIDs)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.UnkeepResponse{Error: sessionErr})
}

func (h *Handlers) wait(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.WaitRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	sessionErr, err := h.state.Wait(ctx, req)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.WaitResponse{Error: sessionErr})
}

func (h *Handlers) waitSome(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.WaitSomeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	resp, err := h.state.WaitSome(ctx, req)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

func (h *Handlers) getState(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.GetStateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error())
	}
	resp, err := h.state.GetState(req)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

func (h *Handlers) terminate(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	h.state.Terminate()
	return ws.NewResponse(msg.ID, msg.Action, v1.TerminateServerResponse{})
}
