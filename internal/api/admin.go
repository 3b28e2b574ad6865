package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/question"
	"github.com/victornm/codeduel/internal/rpc"
	"github.com/victornm/codeduel/internal/settlement"
)

// AdminServiceServer is the operator facing gRPC service, see proto/admin/v1/admin.proto.
type AdminServiceServer interface {
	ForceSettle(ctx context.Context, req *ForceSettleRequest) (*ForceSettleResponse, error)
	RecomputeLeaderboard(ctx context.Context, req *RecomputeLeaderboardRequest) (*RecomputeLeaderboardResponse, error)
	CreateQuestion(ctx context.Context, req *CreateQuestionRequest) (*domain.Question, error)
}

const AdminServiceName = "codeduel.admin.v1.AdminService"

func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ForceSettle",
			Handler:    unaryHandler("ForceSettle", AdminServiceServer.ForceSettle),
		},
		{
			MethodName: "RecomputeLeaderboard",
			Handler:    unaryHandler("RecomputeLeaderboard", AdminServiceServer.RecomputeLeaderboard),
		},
		{
			MethodName: "CreateQuestion",
			Handler:    unaryHandler("CreateQuestion", AdminServiceServer.CreateQuestion),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/admin/v1/admin.proto",
}

func unaryHandler[Req, Resp any](method string, call func(AdminServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		handler := func(ctx context.Context, req any) (any, error) {
			r := new(Req)
			if err := rpc.Decode(req.(*structpb.Struct), r); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
			}

			resp, err := call(srv.(AdminServiceServer), ctx, r)
			if err != nil {
				return nil, err
			}

			return rpc.Encode(resp)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + AdminServiceName + "/" + method,
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ForceSettle settles a running match right away, with the given winner or by the scores.
func (a *API) ForceSettle(ctx context.Context, req *ForceSettleRequest) (*ForceSettleResponse, error) {
	if req.MatchID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("match id is required"))
	}

	res, err := a.settler.Settle(ctx, req.MatchID, settlement.Options{
		WinnerID: req.WinnerID,
		Reason:   domain.SettleReasonAdmin,
	})
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &ForceSettleResponse{Settled: res.Settled, Match: res.Match}, nil
}

func (a *API) RecomputeLeaderboard(ctx context.Context, _ *RecomputeLeaderboardRequest) (*RecomputeLeaderboardResponse, error) {
	n, err := a.lb.Recompute(ctx)
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &RecomputeLeaderboardResponse{Entries: n}, nil
}

func (a *API) CreateQuestion(ctx context.Context, req *CreateQuestionRequest) (*domain.Question, error) {
	q, err := a.question.CreateQuestion(ctx, question.CreateQuestionRequest{
		QuestionID: req.QuestionID,
		Title:      req.Title,
		TestCases:  req.TestCases,
	})
	if err != nil {
		return nil, errors.Convert(err)
	}

	return q, nil
}
