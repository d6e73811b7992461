package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the daemon services over one connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Invoke calls service/method with fields as the request.
func (c *Client) Invoke(ctx context.Context, service, method string, fields map[string]any) (*structpb.Struct, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Chat(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	return c.Invoke(ctx, ChatServiceName, method, fields)
}

func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	return c.Invoke(ctx, CallServiceName, method, fields)
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.Invoke(ctx, StatusServiceName, "GetStatus", nil)
}

// WatchEvents calls fn for each event in namespace until ctx ends or fn
// returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*structpb.Struct) error) error {
	desc := &ChatServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ChatServiceName+"/"+desc.StreamName)
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
