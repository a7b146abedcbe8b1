package nauthz

import (
	"context"
	"encoding/hex"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tokligence/relay-authz/internal/authz"
	"github.com/tokligence/relay-authz/internal/event"
)

// Decider produces admission verdicts.
type Decider interface {
	Decide(ctx context.Context, req authz.Request) authz.Decision
}

// Server adapts a Decider to the Authorization service.
type Server struct {
	decider Decider
	logger  *zap.Logger
}

var _ AuthorizationServer = (*Server)(nil)

// NewServer returns a Server answering with d.
func NewServer(d Decider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{decider: d, logger: logger}
}

// EventAdmit answers one admission request. A request without an event is
// rejected; everything else gets a verdict.
func (s *Server) EventAdmit(ctx context.Context, in *EventRequest) (*EventReply, error) {
	if in == nil || in.Event == nil {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}

	decision := s.decider.Decide(ctx, ToRequest(in, RequestIDFromContext(ctx)))

	msg := decision.Message
	reply := &EventReply{Decision: Decision_DECISION_DENY, Message: &msg}
	if decision.Verdict == authz.Permit {
		reply.Decision = Decision_DECISION_PERMIT
	}
	return reply, nil
}

// ToRequest converts the wire request into the domain request.
func ToRequest(in *EventRequest, requestID string) authz.Request {
	req := authz.Request{
		Event:     ToEvent(in.Event),
		RequestID: requestID,
	}
	if len(in.AuthPubkey) > 0 {
		req.AuthPubkey = hex.EncodeToString(in.AuthPubkey)
	}
	if in.IpAddr != nil {
		req.IPAddr = *in.IpAddr
	}
	if in.Origin != nil {
		req.Origin = *in.Origin
	}
	if in.UserAgent != nil {
		req.UserAgent = *in.UserAgent
	}
	if in.Nip05 != nil {
		req.Nip05Domain = in.Nip05.Domain
	}
	return req
}

// ToEvent converts the wire event into the domain event. Byte fields become
// lowercase hex.
func ToEvent(in *Event) event.Event {
	if in == nil {
		return event.Event{}
	}
	ev := event.Event{
		ID:        hex.EncodeToString(in.Id),
		Pubkey:    hex.EncodeToString(in.Pubkey),
		CreatedAt: in.CreatedAt,
		Kind:      in.Kind,
		Content:   in.Content,
		Sig:       hex.EncodeToString(in.Sig),
		Tags:      make([]event.Tag, 0, len(in.Tags)),
	}
	for _, t := range in.Tags {
		if t == nil {
			continue
		}
		ev.Tags = append(ev.Tags, event.Tag(append([]string(nil), t.Values...)))
	}
	return ev
}
