package ws

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

// Inbound event names.
const (
	EventJoinUserRoom      = "join-user-room"
	EventJoinTherapistRoom = "join-therapist-room"
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
	EventVideoCallRequest  = "video-call-request"
	EventCallAccepted      = "call-accepted"
	EventCallRejected      = "call-rejected"
	EventCallEnded         = "call-ended"
)

// Acknowledgements sent only to the originating connection.
const (
	EventJoined        = "joined"
	EventCallRequested = "call-requested"
)

type eventHandler func(ctx context.Context, s *session, data json.RawMessage) error

func (h *Handler) routes() map[string]eventHandler {
	return map[string]eventHandler{
		EventJoinUserRoom:      joinRoom(identity.RolePatient),
		EventJoinTherapistRoom: joinRoom(identity.RoleTherapist),
		EventSendMessage:       sendMessage,
		EventTyping:            typing,
		EventVideoCallRequest:  videoCallRequest,
		EventCallAccepted:      callAccepted,
		EventCallRejected:      callRejected,
		EventCallEnded:         callEnded,
	}
}

type JoinedPayload struct {
	Room string `json:"room"`
}

type sendMessageRequest struct {
	To      identity.WireID `json:"to"`
	From    identity.WireID `json:"from"`
	Message string          `json:"message"`
}

type typingRequest struct {
	To       identity.WireID `json:"to"`
	From     identity.WireID `json:"from"`
	IsTyping bool            `json:"isTyping"`
}

type callRequest struct {
	To       identity.WireID `json:"to"`
	From     identity.WireID `json:"from"`
	CallType string          `json:"callType"`
}

type callAction struct {
	To     identity.WireID `json:"to"`
	CallID string          `json:"callId"`
}

type CallRequestedPayload struct {
	CallID string `json:"callId"`
	To     string `json:"to"`
}

// joinRoom lets a connection join the room of its own identity only. The
// payload is the id itself or {"userId": id} / {"therapistId": id}.
func joinRoom(role identity.Role) eventHandler {
	return func(_ context.Context, s *session, data json.RawMessage) error {
		id, err := decodeRoomTarget(data)
		if err != nil {
			return err
		}
		if s.id.Role != role || s.id.ID != id {
			return apperr.Forbidden("connections may only join their own room")
		}
		room := identity.RoomFor(role, id)
		s.h.rooms.Join(room, s.gc)
		s.reply(EventJoined, JoinedPayload{Room: room})
		return nil
	}
}

func sendMessage(_ context.Context, s *session, data json.RawMessage) error {
	var req sendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := s.checkSender(string(req.From)); err != nil {
		return err
	}
	_, _, err := s.h.router.SendMessage(s.id.ID, string(req.To), req.Message)
	return err
}

func typing(_ context.Context, s *session, data json.RawMessage) error {
	var req typingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := s.checkSender(string(req.From)); err != nil {
		return err
	}
	_, err := s.h.router.SendTyping(s.id.ID, string(req.To), req.IsTyping)
	return err
}

func videoCallRequest(ctx context.Context, s *session, data json.RawMessage) error {
	var req callRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := s.checkSender(string(req.From)); err != nil {
		return err
	}
	c, err := s.h.calls.Initiate(ctx, s.id, string(req.To), req.CallType)
	if err != nil {
		return err
	}
	s.reply(EventCallRequested, CallRequestedPayload{CallID: c.ID, To: c.CalleeID})
	return nil
}

func callAccepted(ctx context.Context, s *session, data json.RawMessage) error {
	var req callAction
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.calls.Accept(ctx, s.id, req.CallID)
	return err
}

func callRejected(ctx context.Context, s *session, data json.RawMessage) error {
	var req callAction
	if err := decode(data, &req); err != nil {
		return err
	}
	if to := req.To.String(); to != "" {
		c, err := s.h.calls.Get(ctx, s.id, req.CallID)
		if err != nil {
			return err
		}
		if c.Caller.ID != to {
			return apperr.Forbidden("to must be the caller of this call")
		}
	}
	_, err := s.h.calls.Reject(ctx, s.id, req.CallID)
	return err
}

func callEnded(ctx context.Context, s *session, data json.RawMessage) error {
	var req callAction
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.calls.End(ctx, s.id, req.CallID)
	return err
}

// checkSender rejects a claimed sender that differs from the authenticated
// identity. An empty claim is filled from the identity.
func (s *session) checkSender(claimed string) error {
	if claimed != "" && claimed != s.id.ID {
		return apperr.Forbidden("from must be the authenticated user")
	}
	return nil
}

func decode(data json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return apperr.Validation("data is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperr.Validation("invalid data: " + err.Error())
	}
	return nil
}

func decodeRoomTarget(data json.RawMessage) (string, error) {
	var id identity.WireID
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return string(id), nil
	}
	var obj struct {
		UserID      identity.WireID `json:"userId"`
		TherapistID identity.WireID `json:"therapistId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.UserID != "" {
			return string(obj.UserID), nil
		}
		if obj.TherapistID != "" {
			return string(obj.TherapistID), nil
		}
	}
	return "", apperr.Validation("room id is required")
}
