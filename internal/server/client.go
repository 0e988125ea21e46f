package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// Client fairshare.v1.Balancer 用戶端
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial 以明文連線 addr
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient 使用既有連線；Close 不會關閉它
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// CreateTask 重複提交回傳包裝 ingress.ErrDuplicate 的錯誤
func (c *Client) CreateTask(ctx context.Context, req ingress.Request) (ingress.Response, error) {
	in, err := encodeCreateTask(req)
	if err != nil {
		return ingress.Response{}, err
	}
	out, err := c.invoke(ctx, "CreateTask", in)
	if err != nil {
		return ingress.Response{}, err
	}
	var resp ingress.Response
	if err := decode(out, &resp); err != nil {
		return ingress.Response{}, err
	}
	return resp, nil
}

func (c *Client) DistributionStats(ctx context.Context) (matcher.Distribution, error) {
	out, err := c.invoke(ctx, "DistributionStats", &structpb.Struct{})
	if err != nil {
		return matcher.Distribution{}, err
	}
	var d matcher.Distribution
	if err := decode(out, &d); err != nil {
		return matcher.Distribution{}, err
	}
	return d, nil
}

// KPITrend 最近 days 天；days ≤ 0 使用伺服端設定
func (c *Client) KPITrend(ctx context.Context, days int) ([]types.KPIRecord, error) {
	in, err := structpb.NewStruct(map[string]any{"days": float64(days)})
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, "KPITrend", in)
	if err != nil {
		return nil, err
	}
	var resp trendResponse
	if err := decode(out, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// fromStatus 將狀態碼還原為 ingress 的錯誤
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", ingress.ErrDuplicate, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ingress.ErrInvalidRequest, st.Message())
	}
	return err
}
