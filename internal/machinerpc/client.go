package machinerpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
)

// Client calls the machine service. It implements portmacro.Fetcher.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial creates a client for the service at target. The connection is
// established lazily.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Ping checks connectivity with the service.
func (c *Client) Ping(ctx context.Context) (string, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, pingMethod, &structpb.Struct{}, out); err != nil {
		return "", err
	}
	return out.GetFields()["msg"].GetStringValue(), nil
}

// FetchDescriptor returns the servers the machine currently reports.
func (c *Client) FetchDescriptor(ctx context.Context, workspaceID, machineID string) (*models.MachineDescriptor, error) {
	in, err := structpb.NewStruct(map[string]any{
		"workspace_id": workspaceID,
		"machine_id":   machineID,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getMachineMethod, in, out); err != nil {
		return nil, err
	}

	fields := out.GetFields()
	d := &models.MachineDescriptor{
		WorkspaceID: fields["workspace_id"].GetStringValue(),
		MachineID:   fields["id"].GetStringValue(),
		Servers:     make(map[string]string),
	}
	for key, v := range fields["servers"].GetStructValue().GetFields() {
		d.Servers[key] = v.GetStringValue()
	}
	return d, nil
}
