package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ws"
)

// handleWS upgrades a participant connection and keeps it registered until
// the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, role := vars["id"], models.Role(vars["role"])
	if id == "" || !role.Valid() {
		http.Error(w, "invalid participant", http.StatusBadRequest)
		return
	}

	conn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "participant_id", id, "error", err)
		return
	}
	session := ws.NewSession(conn, s.opts.WSSendBuffer)
	if _, err := s.Engine.RegisterConnection(id, role, session); err != nil {
		session.Close()
		return
	}

	// The upgrade detaches the connection from the request lifecycle, so
	// inbound work runs on a fresh context.
	ctx := context.Background()
	err = session.Run(func(msg []byte) {
		session.Send(s.handleInbound(ctx, id, role, msg))
	})
	s.Engine.Disconnect(ctx, id, session)
	s.logger.Debug("ws_closed", "participant_id", id, "role", role, "error", err)
}

func (s *Server) handleInbound(ctx context.Context, id string, role models.Role, msg []byte) ws.Reply {
	var in ws.Inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		return ws.Reply{Type: "error", Error: "invalid", Reason: "malformed_message"}
	}

	switch in.Type {
	case "ping":
		return ws.Reply{Type: "pong"}
	case "respond":
		if role != models.RoleDriver {
			return ws.Reply{Type: "error", RequestID: in.RequestID, Error: "not_eligible", Reason: "not_a_driver"}
		}
		req, err := s.Engine.Respond(ctx, in.RequestID, id, models.Decision(in.Decision), in.Reason)
		return reply(in.RequestID, req, err)
	case "availability":
		if in.Available == nil {
			return ws.Reply{Type: "error", Error: "invalid", Reason: "available_required"}
		}
		if err := s.Engine.SetDriverAvailability(id, *in.Available); err != nil {
			return reply("", models.RideRequest{}, err)
		}
		return ws.Reply{Type: "ack"}
	case "cancel":
		if role != models.RoleRider {
			return ws.Reply{Type: "error", RequestID: in.RequestID, Error: "not_eligible", Reason: "not_a_rider"}
		}
		req, err := s.Engine.Cancel(ctx, in.RequestID, id)
		return reply(in.RequestID, req, err)
	}
	return ws.Reply{Type: "error", Error: "invalid", Reason: "unknown_type"}
}

func reply(requestID string, req models.RideRequest, err error) ws.Reply {
	if err != nil {
		return ws.Reply{Type: "error", RequestID: requestID, Error: dispatch.KindName(err), Reason: dispatch.Reason(err)}
	}
	return ws.Reply{Type: "ack", RequestID: req.ID, State: string(req.State)}
}
