package control

import (
	"context"

	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func NewManagerClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.ManagerContract {
	return &managerClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type managerClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *managerClientGateway) Bitrot(ctx context.Context, request domain.BitrotRequest) (domain.BitrotReply, error) {
	in, err := encodeBitrotRequest(request)
	if err != nil {
		return domain.BitrotReply{}, err
	}
	out := new(structpb.Struct)
	if err := gw.conn.Invoke(ctx, bitrotMethod, in, out); err != nil {
		gw.logger.Errorf("Bitrot client gateway: %v", err)
		return domain.BitrotReply{}, err
	}
	gw.logger.Debugf("Bitrot client gateway done")
	return decodeBitrotReply(out), nil
}

func (gw *managerClientGateway) Status(ctx context.Context) ([]domain.ServiceStatus, error) {
	out := new(structpb.Struct)
	if err := gw.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return nil, err
	}
	gw.logger.Debugf("Status client gateway done")
	return decodeStatus(out), nil
}

func NewDaemonClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.DaemonContract {
	return &daemonClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type daemonClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *daemonClientGateway) FetchSpec(ctx context.Context) error {
	if err := gw.conn.Invoke(ctx, fetchSpecMethod, &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		gw.logger.Errorf("FetchSpec client gateway: %v", err)
		return err
	}
	gw.logger.Debugf("FetchSpec client gateway done")
	return nil
}
