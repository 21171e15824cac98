// Package machinerpc exposes the simulator's machine lookup over gRPC and
// provides the client used to fetch machine descriptors.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated stubs. A GetMachine request carries "workspace_id" and
// "machine_id"; the response carries "id", "workspace_id", "status" and a
// "servers" object mapping server keys to addresses.
package machinerpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
	"github.com/devghori1264/aerophoenix/portmacros/internal/server"
	"github.com/devghori1264/aerophoenix/portmacros/internal/storage"
)

const (
	ServiceName = "aerophoenix.flydsim.MachineService"

	getMachineMethod = "/" + ServiceName + "/GetMachine"
	pingMethod       = "/" + ServiceName + "/Ping"
)

// Backend is what the service needs from the machine simulator.
type Backend interface {
	Ping(ctx context.Context) string
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
}

var _ Backend = (*server.Server)(nil)

// Register registers the machine service on gs.
func Register(gs *grpc.Server, backend Backend) {
	gs.RegisterService(&serviceDesc, backend)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMachine", Handler: getMachineHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aerophoenix/flydsim/machine.proto",
}

func getMachineHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return getMachine(ctx, srv.(Backend), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMachineMethod}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, _ any) (any, error) {
		return structpb.NewStruct(map[string]any{"msg": srv.(Backend).Ping(ctx)})
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	return interceptor(ctx, in, info, handler)
}

func getMachine(ctx context.Context, backend Backend, req *structpb.Struct) (*structpb.Struct, error) {
	workspaceID := req.GetFields()["workspace_id"].GetStringValue()
	machineID := req.GetFields()["machine_id"].GetStringValue()
	if machineID == "" {
		return nil, status.Error(codes.InvalidArgument, "machine_id required")
	}

	m, err := backend.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "machine %s not found", machineID)
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	if workspaceID != "" && m.WorkspaceID != workspaceID {
		return nil, status.Errorf(codes.NotFound, "machine %s not found in workspace %s", machineID, workspaceID)
	}

	d := m.Descriptor()
	servers := make(map[string]any, len(d.Servers))
	for key, addr := range d.Servers {
		servers[key] = addr
	}
	return structpb.NewStruct(map[string]any{
		"id":           d.MachineID,
		"workspace_id": d.WorkspaceID,
		"status":       m.Status,
		"servers":      servers,
	})
}
