package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// AgentServer 是 litcurate.agent.v1.Agent 服務端介面
type AgentServer interface {
	Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// HandlerFunc 以 Go 型別實作 AgentServer
type HandlerFunc func(ctx context.Context, sessionID string, req Request) (Response, error)

// Classify 解出 session 與請求後呼叫 f
func (f HandlerFunc) Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	session := SessionFromContext(ctx)
	if session == "" {
		return nil, status.Error(codes.InvalidArgument, ErrNoSession.Error())
	}
	resp, err := f(ctx, session, decodeRequest(in))
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := encodeResponse(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// SessionFromContext 讀取呼叫端的 session id
func SessionFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(SessionHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// RegisterAgentServer 註冊服務
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&serviceDesc, srv)
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClassifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Classify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "litcurate/agent/v1/agent.proto",
}
