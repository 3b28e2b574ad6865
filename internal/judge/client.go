package judge

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/rpc"
	"github.com/victornm/codeduel/internal/telemetry"
)

const executeMethod = "/judge.v1.JudgeService/Execute"

// ExecuteRequest runs one test case. See proto/judge/v1/judge.proto.
type ExecuteRequest struct {
	Source         string `json:"source"`
	Language       string `json:"language"`
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`
}

type ExecuteResponse struct {
	Status    domain.Verdict `json:"status"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

func (r *ExecuteResponse) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMs) * time.Millisecond
}

// Client is the external sandbox.
type Client interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

type GRPCClient struct {
	conn *grpc.ClientConn
}

var _ Client = (*GRPCClient)(nil)

func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		telemetry.GRPCClientInterceptor(),
	)
	if err != nil {
		return nil, fmt.Errorf("judge: dial %s: %w", addr, err)
	}

	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	resp := new(ExecuteResponse)
	if err := rpc.Invoke(ctx, c.conn, executeMethod, req, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
