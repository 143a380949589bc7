package advisor

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// analyzeMethod is the full method name served by advisor workers.
const analyzeMethod = "/advisor.Advisor/Analyze"

// GRPCAdvisor talks to an advisor worker over gRPC with structpb messages.
type GRPCAdvisor struct {
	conn *grpc.ClientConn
}

// DialGRPC connects to an advisor worker.
func DialGRPC(addr string) (*GRPCAdvisor, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &GRPCAdvisor{conn: conn}, nil
}

// NewGRPCAdvisor uses an existing connection.
func NewGRPCAdvisor(conn *grpc.ClientConn) *GRPCAdvisor {
	return &GRPCAdvisor{conn: conn}
}

func (g *GRPCAdvisor) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

func (g *GRPCAdvisor) Name() string { return "grpc" }

func (g *GRPCAdvisor) Analyze(ctx context.Context, req Request) (Verdict, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return Verdict{}, err
	}
	out := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, analyzeMethod, in, out); err != nil {
		return Verdict{}, err
	}
	fields := out.GetFields()
	return Verdict{
		Action:     fields["action"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
		Reasoning:  fields["reasoning"].GetStringValue(),
	}, nil
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	inds := make(map[string]any, len(req.Indicators))
	for k, v := range req.Indicators {
		inds[k] = v
	}
	reasons := make([]any, len(req.Reasons))
	for i, r := range req.Reasons {
		reasons[i] = r
	}
	s, err := structpb.NewStruct(map[string]any{
		"bot_id":     req.BotID,
		"symbol":     req.Symbol,
		"timeframe":  req.Timeframe,
		"action":     req.Action,
		"confidence": req.Confidence,
		"price":      req.Price,
		"indicators": inds,
		"reasons":    reasons,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode advisor request: %w", err)
	}
	return s, nil
}

// Server is implemented by Go advisor workers.
type Server interface {
	Analyze(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the advisor service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "advisor.Advisor",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Analyze",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(Server).Analyze(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: analyzeMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return srv.(Server).Analyze(ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}},
}

// RegisterServer registers srv on s.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
