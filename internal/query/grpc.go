package query

import (
	"PcapReduce/internal/model"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name of the results API.
const ServiceName = "pcapreduce.query.v1.QueryService"

// CodecName is the content subtype the results API messages are encoded with.
const CodecName = "json"

// jsonCodec carries the plain Go request and response structs below over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Status string `json:"status"`
}

type RunsRequest struct {
	Limit int `json:"limit"`
}

type RunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

type TopHostsRequest struct {
	RunID string `json:"run_id"`
	Limit int    `json:"limit"`
}

type TopHostsResponse struct {
	Hosts []model.HostTraffic `json:"hosts"`
}

type SlowestHandshakesRequest struct {
	RunID string `json:"run_id"`
	Limit int    `json:"limit"`
}

type SlowestHandshakesResponse struct {
	Conversations []model.ConversationMetrics `json:"conversations"`
}

type ConversationRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
}

type ConversationResponse struct {
	Conversation *model.ConversationMetrics `json:"conversation"`
}

// QueryServiceServer is the server side of the results API.
type QueryServiceServer interface {
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
	Runs(context.Context, *RunsRequest) (*RunsResponse, error)
	TopHosts(context.Context, *TopHostsRequest) (*TopHostsResponse, error)
	SlowestHandshakes(context.Context, *SlowestHandshakesRequest) (*SlowestHandshakesResponse, error)
	Conversation(context.Context, *ConversationRequest) (*ConversationResponse, error)
}

// GRPCService serves the results API from a Querier.
type GRPCService struct {
	querier Querier
}

// NewGRPCService creates a GRPCService backed by q.
func NewGRPCService(q Querier) *GRPCService {
	return &GRPCService{querier: q}
}

func (s *GRPCService) HealthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error) {
	return &HealthCheckResponse{Status: "SERVING"}, nil
}

func (s *GRPCService) Runs(ctx context.Context, req *RunsRequest) (*RunsResponse, error) {
	if req.Limit < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %d", req.Limit)
	}
	runs, err := s.querier.Runs(ctx, req.Limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list runs: %v", err)
	}
	return &RunsResponse{Runs: runs}, nil
}

func (s *GRPCService) TopHosts(ctx context.Context, req *TopHostsRequest) (*TopHostsResponse, error) {
	if req.Limit < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %d", req.Limit)
	}
	hosts, err := s.querier.TopHosts(ctx, req.RunID, req.Limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query hosts: %v", err)
	}
	return &TopHostsResponse{Hosts: hosts}, nil
}

func (s *GRPCService) SlowestHandshakes(ctx context.Context, req *SlowestHandshakesRequest) (*SlowestHandshakesResponse, error) {
	if req.Limit < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %d", req.Limit)
	}
	conversations, err := s.querier.SlowestHandshakes(ctx, req.RunID, req.Limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query conversations: %v", err)
	}
	return &SlowestHandshakesResponse{Conversations: conversations}, nil
}

func (s *GRPCService) Conversation(ctx context.Context, req *ConversationRequest) (*ConversationResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "conversation key is required")
	}
	c, err := s.querier.Conversation(ctx, req.RunID, req.Key)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query conversation: %v", err)
	}
	if c == nil {
		return nil, status.Errorf(codes.NotFound, "conversation %s not found", req.Key)
	}
	return &ConversationResponse{Conversation: c}, nil
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](method string, call func(QueryServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(QueryServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("HealthCheck", QueryServiceServer.HealthCheck),
		unary("Runs", QueryServiceServer.Runs),
		unary("TopHosts", QueryServiceServer.TopHosts),
		unary("SlowestHandshakes", QueryServiceServer.SlowestHandshakes),
		unary("Conversation", QueryServiceServer.Conversation),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterQueryServiceServer registers srv on s.
func RegisterQueryServiceServer(s grpc.ServiceRegistrar, srv QueryServiceServer) {
	s.RegisterService(&queryServiceDesc, srv)
}

// QueryServiceClient calls the results API over a gRPC connection.
type QueryServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewQueryServiceClient wraps cc.
func NewQueryServiceClient(cc grpc.ClientConnInterface) *QueryServiceClient {
	return &QueryServiceClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueryServiceClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	return invoke[HealthCheckRequest, HealthCheckResponse](ctx, c.cc, "HealthCheck", in, opts)
}

func (c *QueryServiceClient) Runs(ctx context.Context, in *RunsRequest, opts ...grpc.CallOption) (*RunsResponse, error) {
	return invoke[RunsRequest, RunsResponse](ctx, c.cc, "Runs", in, opts)
}

func (c *QueryServiceClient) TopHosts(ctx context.Context, in *TopHostsRequest, opts ...grpc.CallOption) (*TopHostsResponse, error) {
	return invoke[TopHostsRequest, TopHostsResponse](ctx, c.cc, "TopHosts", in, opts)
}

func (c *QueryServiceClient) SlowestHandshakes(ctx context.Context, in *SlowestHandshakesRequest, opts ...grpc.CallOption) (*SlowestHandshakesResponse, error) {
	return invoke[SlowestHandshakesRequest, SlowestHandshakesResponse](ctx, c.cc, "SlowestHandshakes", in, opts)
}

func (c *QueryServiceClient) Conversation(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*ConversationResponse, error) {
	return invoke[ConversationRequest, ConversationResponse](ctx, c.cc, "Conversation", in, opts)
}
