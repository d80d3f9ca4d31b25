// Package server exposes the sorter over gRPC: remote signal ingestion
// (scan, photo-eye), the live item snapshot, operator forget, and a
// server-streaming lifecycle event watch. Messages are protobuf well-known
// types, so the service needs no generated code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/sortline/internal/controller"
	"github.com/ChuLiYu/sortline/internal/itemmanager"
	"github.com/ChuLiYu/sortline/pkg/types"
)

// Engine is the part of the controller the service drives.
type Engine interface {
	OnScan(barcode string) error
	OnPhotoEye(positionID int) error
	Forget(barcode string) (types.Item, error)
	Snapshot() []types.Item
	Subscribe(name string, buffer int) (<-chan types.Event, func())
}

// Server implements SignalServer on top of an Engine.
type Server struct {
	engine Engine
	log    *zap.Logger
}

// NewServer creates a new gRPC service instance.
func NewServer(engine Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, log: logger.Named("grpc")}
}

// NewGRPCServer builds a grpc.Server with the service registered and a
// logging interceptor installed.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	gs := grpc.NewServer(opts...)
	RegisterSignalServer(gs, s)
	return gs
}

// Serve listens on addr until ctx is done, then stops gracefully.
func Serve(ctx context.Context, gs *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Scan injects a barcode scan.
func (s *Server) Scan(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.engine.OnScan(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// PhotoEye injects a photo-eye pulse for the given bucket.
func (s *Server) PhotoEye(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if err := s.engine.OnPhotoEye(int(req.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Forget removes a live item and returns its last state.
func (s *Server) Forget(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	item, err := s.engine.Forget(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(item)
}

// ListItems returns the live item snapshot.
func (s *Server) ListItems(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	items := s.engine.Snapshot()
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(items))}
	for _, item := range items {
		st, err := toStruct(item)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(st))
	}
	return list, nil
}

// Watch streams lifecycle events until the client goes away or the bus closes.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	events, cancel := s.engine.Subscribe("grpc-watch", 256)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			st, err := toStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(st); err != nil {
				return err
			}
		}
	}
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.log.Warn("rpc failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("rpc", fields...)
	}
	return resp, err
}

// toStatus maps engine errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrEmptyBarcode):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, itemmanager.ErrItemNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts any JSON-tagged value to a protobuf Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// fromStruct is the inverse of toStruct.
func fromStruct(st *structpb.Struct, out interface{}) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
