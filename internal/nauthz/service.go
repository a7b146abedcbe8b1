package nauthz

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified service name.
	ServiceName = "nauthz.Authorization"
	// EventAdmitMethod is the full method name of EventAdmit.
	EventAdmitMethod = "/nauthz.Authorization/EventAdmit"
)

// AuthorizationServer is the server API for the Authorization service.
type AuthorizationServer interface {
	EventAdmit(context.Context, *EventRequest) (*EventReply, error)
}

// RegisterAuthorizationServer registers srv on s. The gRPC server must be
// built with grpc.ForceServerCodec(Codec{}).
func RegisterAuthorizationServer(s grpc.ServiceRegistrar, srv AuthorizationServer) {
	s.RegisterService(&Authorization_ServiceDesc, srv)
}

func eventAdmitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EventRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizationServer).EventAdmit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: EventAdmitMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizationServer).EventAdmit(ctx, req.(*EventRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Authorization_ServiceDesc describes the Authorization service.
var Authorization_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EventAdmit",
			Handler:    eventAdmitHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nauthz.proto",
}

// Client calls the Authorization service. Used by the relay side and by tests.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// EventAdmit asks the gatekeeper for a verdict.
func (c *Client) EventAdmit(ctx context.Context, in *EventRequest, opts ...grpc.CallOption) (*EventReply, error) {
	out := new(EventReply)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, EventAdmitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
