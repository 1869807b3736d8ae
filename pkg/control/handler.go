package control

import (
	"context"

	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func RegisterManagerServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.ManagerContract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&managerServiceDesc, &managerServerHandler{
		handler: handler,
		logger:  logger,
	})
}

func RegisterDaemonServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.DaemonContract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&daemonServiceDesc, &daemonServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type managerServerHandler struct {
	handler domain.ManagerContract
	logger  logging.Logger
}

func (h *managerServerHandler) Bitrot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	reply, err := h.handler.Bitrot(ctx, decodeBitrotRequest(request))
	if err != nil {
		h.logger.Errorf("Bitrot server handler: %v", err)
		return nil, err
	}
	h.logger.Debugf("Bitrot server handler done, volume: %s, command: %s, op_ret: %d",
		reply.Volume, reply.Command, reply.OpRet)
	return encodeBitrotReply(reply)
}

func (h *managerServerHandler) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	statuses, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, err
	}
	h.logger.Debugf("Status server handler done")
	return encodeStatus(statuses)
}

type daemonServerHandler struct {
	handler domain.DaemonContract
	logger  logging.Logger
}

func (h *daemonServerHandler) FetchSpec(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.handler.FetchSpec(ctx); err != nil {
		h.logger.Errorf("FetchSpec server handler: %v", err)
		return nil, err
	}
	h.logger.Debugf("FetchSpec server handler done")
	return &emptypb.Empty{}, nil
}
