package control

import (
	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"

	"google.golang.org/protobuf/types/known/structpb"
)

// Dictionary keys used on the wire
const (
	KeyVolume   = "volname"
	KeyCommand  = "command"
	KeyValue    = "value"
	KeyOpRet    = "op_ret"
	KeyOpErrno  = "op_errno"
	KeyOpErrStr = "op_errstr"
	KeyServices = "services"
)

func encodeBitrotRequest(request domain.BitrotRequest) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		KeyVolume:  request.Volume,
		KeyCommand: request.Command,
	}
	if request.Value != "" {
		fields[KeyValue] = request.Value
	}
	return structpb.NewStruct(fields)
}

// decodeBitrotRequest tolerates missing keys; the handler reports them
func decodeBitrotRequest(in *structpb.Struct) domain.BitrotRequest {
	fields := in.GetFields()
	return domain.BitrotRequest{
		Volume:  fields[KeyVolume].GetStringValue(),
		Command: fields[KeyCommand].GetStringValue(),
		Value:   fields[KeyValue].GetStringValue(),
	}
}

func encodeBitrotReply(reply domain.BitrotReply) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		KeyOpRet:    reply.OpRet,
		KeyOpErrno:  reply.OpErrno,
		KeyOpErrStr: reply.OpErrStr,
		KeyVolume:   reply.Volume,
		KeyCommand:  reply.Command,
	})
}

func decodeBitrotReply(in *structpb.Struct) domain.BitrotReply {
	fields := in.GetFields()
	return domain.BitrotReply{
		OpRet:    int(fields[KeyOpRet].GetNumberValue()),
		OpErrno:  int(fields[KeyOpErrno].GetNumberValue()),
		OpErrStr: fields[KeyOpErrStr].GetStringValue(),
		Volume:   fields[KeyVolume].GetStringValue(),
		Command:  fields[KeyCommand].GetStringValue(),
	}
}

func encodeStatus(statuses []domain.ServiceStatus) (*structpb.Struct, error) {
	services := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		services = append(services, map[string]interface{}{
			"name":    s.Name,
			"kind":    s.Kind,
			"running": s.Running,
			"online":  s.Online,
			"pid":     s.PID,
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{KeyServices: services})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode status", err)
	}
	return out, nil
}

func decodeStatus(in *structpb.Struct) []domain.ServiceStatus {
	list := in.GetFields()[KeyServices].GetListValue().GetValues()
	statuses := make([]domain.ServiceStatus, 0, len(list))
	for _, v := range list {
		fields := v.GetStructValue().GetFields()
		statuses = append(statuses, domain.ServiceStatus{
			Name:    fields["name"].GetStringValue(),
			Kind:    fields["kind"].GetStringValue(),
			Running: fields["running"].GetBoolValue(),
			Online:  fields["online"].GetBoolValue(),
			PID:     int(fields["pid"].GetNumberValue()),
		})
	}
	return statuses
}
