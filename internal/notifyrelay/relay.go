package notifyrelay

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"

	"risk-core/internal/domain"
)

// DeliveryRequest is the payload forwarded to the alerting sidecar for a
// single confirmed notification.
type DeliveryRequest struct {
	EventID   string         `json:"eventId"`
	ClientID  string         `json:"clientId"`
	Venue     string         `json:"venue"`
	Kind      string         `json:"kind"`
	Priority  string         `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// DeliveryAck is the sidecar's response.
type DeliveryAck struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}

// NotificationRelayServer is implemented by the sidecar-facing server.
type NotificationRelayServer interface {
	Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryAck, error)
}

// ServiceDesc mirrors what protoc-gen-go-grpc would emit for a single
// unary Deliver RPC; written by hand since no .proto is compiled here.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "notifyrelay.NotificationRelay",
	HandlerType: (*NotificationRelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(DeliveryRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(NotificationRelayServer).Deliver(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/notifyrelay.NotificationRelay/Deliver"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(NotificationRelayServer).Deliver(ctx, req.(*DeliveryRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "notifyrelay.proto",
}

// RegisterNotificationRelayServer attaches srv to s.
func RegisterNotificationRelayServer(s grpc.ServiceRegistrar, srv NotificationRelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin hand-written stub over grpc.ClientConn.Invoke, using
// the JSON codec registered in codec.go in place of protobuf wire
// encoding.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// Deliver forwards req to the sidecar and returns its ack.
func (c *Client) Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryAck, error) {
	ack := new(DeliveryAck)
	err := c.cc.Invoke(ctx, "/notifyrelay.NotificationRelay/Deliver", req, ack, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// BusDeliverer adapts Client to the notify.Deliverer interface shape
// (Deliver(ctx, domain.Notification) error) without this package
// importing internal/notify, avoiding an import cycle.
type BusDeliverer struct {
	Client *Client
}

// Deliver implements the shape notify.Deliverer expects.
func (d BusDeliverer) Deliver(ctx context.Context, n domain.Notification) error {
	ack, err := d.Client.Deliver(ctx, &DeliveryRequest{
		EventID:   n.EventID,
		ClientID:  n.ClientID,
		Venue:     string(n.Venue),
		Kind:      string(n.Kind),
		Priority:  string(n.Priority),
		Timestamp: n.Timestamp,
		Payload:   n.Payload,
	})
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return errors.New("notifyrelay: sidecar rejected delivery: " + ack.Detail)
	}
	return nil
}
