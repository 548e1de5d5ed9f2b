package query

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dialService(t *testing.T, q Querier) *QueryServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterQueryServiceServer(server, NewGRPCService(q))
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewQueryServiceClient(conn)
}

func TestGRPC_HealthCheck(t *testing.T) {
	client := dialService(t, &fakeQuerier{})
	resp, err := client.HealthCheck(context.Background(), &HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, "SERVING", resp.Status)
}

func TestGRPC_TopHosts(t *testing.T) {
	q := &fakeQuerier{}
	client := dialService(t, q)

	resp, err := client.TopHosts(context.Background(), &TopHostsRequest{RunID: "r1", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, "r1", q.runID)
	assert.Equal(t, 3, q.limit)
	require.Len(t, resp.Hosts, 1)
	assert.Equal(t, "10.0.0.1", resp.Hosts[0].IP)
	assert.Equal(t, uint64(1000), resp.Hosts[0].SentBytes)
}

func TestGRPC_RunsAndSlowest(t *testing.T) {
	client := dialService(t, &fakeQuerier{})

	runs, err := client.Runs(context.Background(), &RunsRequest{Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "a.pcap", runs.Runs[0].Source)

	slow, err := client.SlowestHandshakes(context.Background(), &SlowestHandshakesRequest{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, slow.Conversations, 1)
	require.NotNil(t, slow.Conversations[0].RTTMillis)
	assert.Equal(t, 42.5, *slow.Conversations[0].RTTMillis)
}

func TestGRPC_Conversation(t *testing.T) {
	client := dialService(t, &fakeQuerier{})

	resp, err := client.Conversation(context.Background(), &ConversationRequest{Key: "10.0.0.1:1-10.0.0.2:2"})
	require.NoError(t, err)
	require.NotNil(t, resp.Conversation)
	assert.Equal(t, uint64(1), resp.Conversation.PacketCount)

	_, err = client.Conversation(context.Background(), &ConversationRequest{Key: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Conversation(context.Background(), &ConversationRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Errors(t *testing.T) {
	client := dialService(t, &fakeQuerier{err: errors.New("boom")})

	_, err := client.TopHosts(context.Background(), &TopHostsRequest{Limit: 1})
	assert.Equal(t, codes.Internal, status.Code(err))

	_, err = client.Runs(context.Background(), &RunsRequest{Limit: -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_InterceptorSeesFullMethod(t *testing.T) {
	var seen []string
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = append(seen, info.FullMethod)
		return handler(ctx, req)
	}))
	RegisterQueryServiceServer(server, NewGRPCService(&fakeQuerier{}))
	go server.Serve(lis)
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewQueryServiceClient(conn).Runs(context.Background(), &RunsRequest{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"/pcapreduce.query.v1.QueryService/Runs"}, seen)
}
