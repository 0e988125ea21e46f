// ============================================================================
// fairshare gRPC 傳輸層
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: fairshare.v1.Balancer 服務，訊息皆為 google.protobuf.Struct
//
// RPC:
//   CreateTask        {external_id, parameters, weight, parent_id, idempotency_key}
//                     → {task_id, accepted_at, enqueued}
//   DistributionStats {} → {executors:[...], active_executors, total_assigned, ..., mae}
//   KPITrend          {days} → {records:[{day, mae, avg_latency, total_assigned}]}
//
// 錯誤對應:
//   ingress.ErrDuplicate      → codes.AlreadyExists
//   ingress.ErrInvalidRequest → codes.InvalidArgument
//   其他                      → codes.Internal
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

const ServiceName = "fairshare.v1.Balancer"

// TaskSubmitter 建立任務
type TaskSubmitter interface {
	CreateTask(ctx context.Context, req ingress.Request) (ingress.Response, error)
}

// StatsProvider 分佈統計
type StatsProvider interface {
	DistributionStats(ctx context.Context) (matcher.Distribution, error)
}

// TrendProvider KPI 趨勢
type TrendProvider interface {
	Trend(ctx context.Context, n int) ([]types.KPIRecord, error)
}

// BalancerServer fairshare.v1.Balancer 的伺服端介面
type BalancerServer interface {
	CreateTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DistributionStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	KPITrend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server BalancerServer 實作
type Server struct {
	tasks TaskSubmitter
	stats StatsProvider
	trend TrendProvider
	log   *slog.Logger
}

var _ BalancerServer = (*Server)(nil)

func NewServer(tasks TaskSubmitter, stats StatsProvider, trend TrendProvider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{tasks: tasks, stats: stats, trend: trend, log: log}
}

func (s *Server) CreateTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeCreateTask(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.tasks.CreateTask(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

func (s *Server) DistributionStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.stats.DistributionStats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(d)
}

func (s *Server) KPITrend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	days := 0
	if v, ok := in.GetFields()["days"]; ok {
		days = int(v.GetNumberValue())
	}
	recs, err := s.trend.Trend(ctx, days)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(trendResponse{Records: recs})
}

type trendResponse struct {
	Records []types.KPIRecord `json:"records"`
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ingress.ErrDuplicate):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ingress.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// 服務註冊
// ============================================================================

func createTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BalancerServer).CreateTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CreateTask"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BalancerServer).CreateTask(ctx, req.(*structpb.Struct))
	})
}

func distributionStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BalancerServer).DistributionStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/DistributionStats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BalancerServer).DistributionStats(ctx, req.(*structpb.Struct))
	})
}

func kpiTrendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BalancerServer).KPITrend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/KPITrend"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BalancerServer).KPITrend(ctx, req.(*structpb.Struct))
	})
}

// ServiceDesc fairshare.v1.Balancer 的服務描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BalancerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTask", Handler: createTaskHandler},
		{MethodName: "DistributionStats", Handler: distributionStatsHandler},
		{MethodName: "KPITrend", Handler: kpiTrendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fairshare/v1/balancer.proto",
}

// Register 將服務註冊到 grpc.Server
func Register(s grpc.ServiceRegistrar, srv BalancerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NewGRPCServer 建立已註冊 Balancer 服務並帶有請求日誌的 grpc.Server
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor(srv.log))}, opts...)
	g := grpc.NewServer(opts...)
	Register(g, srv)
	return g
}

// Serve 在 lis 上服務直到 ctx 取消，之後 GracefulStop
func Serve(ctx context.Context, g *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	select {
	case <-ctx.Done():
		g.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func loggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		log.Log(ctx, level, "rpc handled", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
		return resp, err
	}
}
