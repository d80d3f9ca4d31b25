package server

import (
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Client calls a remote SignalService (CLI simulate, integration tests).
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Extra options are appended after the
// default insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Scan sends a barcode scan.
func (c *Client) Scan(ctx context.Context, barcode string) error {
	return c.conn.Invoke(ctx, methodScan, wrapperspb.String(barcode), new(emptypb.Empty))
}

// PhotoEye sends a photo-eye pulse.
func (c *Client) PhotoEye(ctx context.Context, positionID int) error {
	return c.conn.Invoke(ctx, methodPhotoEye, wrapperspb.Int64(int64(positionID)), new(emptypb.Empty))
}

// Forget removes a live item.
func (c *Client) Forget(ctx context.Context, barcode string) (types.Item, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodForget, wrapperspb.String(barcode), out); err != nil {
		return types.Item{}, err
	}
	var item types.Item
	if err := fromStruct(out, &item); err != nil {
		return types.Item{}, eris.Wrap(err, "decode item")
	}
	return item, nil
}

// ListItems fetches the live item snapshot.
func (c *Client) ListItems(ctx context.Context) ([]types.Item, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, methodListItems, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	items := make([]types.Item, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		var item types.Item
		if err := fromStruct(v.GetStructValue(), &item); err != nil {
			return nil, eris.Wrap(err, "decode item")
		}
		items = append(items, item)
	}
	return items, nil
}

// Watch streams lifecycle events to fn until ctx is cancelled or the server
// ends the stream.
func (c *Client) Watch(ctx context.Context, fn func(types.Event)) error {
	stream, err := c.conn.NewStream(ctx, &SignalServiceDesc.Streams[0], methodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(new(emptypb.Empty)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		st := new(structpb.Struct)
		if err := stream.RecvMsg(st); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev types.Event
		if err := fromStruct(st, &ev); err != nil {
			return eris.Wrap(err, "decode event")
		}
		fn(ev)
	}
}
