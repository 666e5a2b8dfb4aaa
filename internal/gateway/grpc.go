// ABOUTME: FleetControl gRPC service for control clients: execute, list agents, stream events.
// ABOUTME: Messages are google.protobuf.Struct so the service needs no generated code.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/fleet-gateway/internal/broadcast"
)

const fleetControlServiceName = "fleet.v1.FleetControl"

// FleetControlServer is the server API for the FleetControl service.
type FleetControlServer interface {
	// Execute queues a command. With "wait" set it returns the finished task.
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListAgents returns {"agents": [...]}.
	ListAgents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// StreamEvents relays broadcast events, optionally filtered by "types".
	StreamEvents(*structpb.Struct, grpc.ServerStream) error
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetControlServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + fleetControlServiceName + "/Execute"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(FleetControlServer).Execute(ctx, req.(*structpb.Struct))
	})
}

func listAgentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetControlServer).ListAgents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + fleetControlServiceName + "/ListAgents"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(FleetControlServer).ListAgents(ctx, req.(*structpb.Struct))
	})
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FleetControlServer).StreamEvents(in, stream)
}

// fleetControlServiceDesc describes FleetControl to grpc-go.
var fleetControlServiceDesc = grpc.ServiceDesc{
	ServiceName: fleetControlServiceName,
	HandlerType: (*FleetControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "ListAgents", Handler: listAgentsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
}

func registerFleetControlServer(s grpc.ServiceRegistrar, srv FleetControlServer) {
	s.RegisterService(&fleetControlServiceDesc, srv)
}

// fleetControlServer implements FleetControlServer on top of the gateway.
type fleetControlServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newFleetControlServer(gw *Gateway, logger *slog.Logger) *fleetControlServer {
	return &fleetControlServer{
		gateway: gw,
		logger:  logger,
	}
}

func (s *fleetControlServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	clientID := fields["client_id"].GetStringValue()
	if clientID == "" {
		return nil, status.Error(codes.InvalidArgument, "client_id is required")
	}

	task, err := s.gateway.dispatcher.Execute(ctx, clientID,
		fields["command"].GetStringValue(), fields["request_id"].GetStringValue())
	if err != nil {
		return nil, grpcError(err)
	}
	if fields["wait"].GetBoolValue() {
		if task, err = s.gateway.dispatcher.Wait(ctx, task.ID); err != nil {
			return nil, grpcError(err)
		}
	}
	return toStruct(map[string]any{"task": task})
}

func (s *fleetControlServer) ListAgents(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	agents := s.gateway.registry.List()
	views := make([]clientView, 0, len(agents))
	for _, info := range agents {
		views = append(views, s.gateway.clientView(info))
	}
	return toStruct(map[string]any{"agents": views})
}

func (s *fleetControlServer) StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	want := make(map[string]bool)
	for _, v := range req.GetFields()["types"].GetListValue().GetValues() {
		want[v.GetStringValue()] = true
	}

	ctx := stream.Context()
	events, subID := s.gateway.broadcaster.Subscribe(ctx)
	s.logger.Debug("event stream opened", "sub_id", subID, "types", len(want))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if s.gateway.agentCtx.Err() != nil {
					return status.Error(codes.Unavailable, "gateway shutting down")
				}
				return status.Error(codes.ResourceExhausted, "event stream dropped: subscriber too slow")
			}
			if len(want) > 0 && !want[ev.Type] {
				continue
			}
			msg, err := eventStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func eventStruct(ev broadcast.Event) (*structpb.Struct, error) {
	return toStruct(ev)
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

// grpcError maps domain errors onto gRPC codes, following the HTTP mapping.
func grpcError(err error) error {
	var code codes.Code
	switch httpStatus(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusConflict:
		code = codes.FailedPrecondition
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case http.StatusGatewayTimeout:
		code = codes.DeadlineExceeded
	case http.StatusBadGateway:
		code = codes.Aborted
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// FleetControlClient calls FleetControl on a gateway.
type FleetControlClient struct {
	cc grpc.ClientConnInterface
}

// NewFleetControlClient wraps an established connection.
func NewFleetControlClient(cc grpc.ClientConnInterface) *FleetControlClient {
	return &FleetControlClient{cc: cc}
}

// Execute runs a command on an agent. The result holds a "task" object.
func (c *FleetControlClient) Execute(ctx context.Context, clientID, command string, wait bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"client_id": clientID,
		"command":   command,
		"wait":      wait,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+fleetControlServiceName+"/Execute", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAgents returns the attached agents.
func (c *FleetControlClient) ListAgents(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+fleetControlServiceName+"/ListAgents", &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives events from StreamEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEvents subscribes to gateway events. An empty types list means all.
func (c *FleetControlClient) StreamEvents(ctx context.Context, types ...string) (*EventStream, error) {
	list := make([]any, len(types))
	for i, t := range types {
		list[i] = t
	}
	in, err := structpb.NewStruct(map[string]any{"types": list})
	if err != nil {
		return nil, err
	}

	stream, err := c.cc.NewStream(ctx, &fleetControlServiceDesc.Streams[0], "/"+fleetControlServiceName+"/StreamEvents")
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
