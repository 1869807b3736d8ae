package bitrot

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

const defaultFailureMessage = "Bitrot operation failed"

// Operation is one validated bitrot command ready for staging
type Operation struct {
	Volume  string
	Command Command
	Value   string
}

// Coordinator runs an operation through the multi-phase commit protocol
type Coordinator interface {
	Run(ctx context.Context, op Operation) error
}

type Handler struct {
	opVersion   func() int
	coordinator Coordinator
	logger      logging.Logger
}

// NewHandler builds a handler gated on the version reported by opVersion
func NewHandler(opVersion func() int, coordinator Coordinator, logger logging.Logger) *Handler {
	return &Handler{
		opVersion:   opVersion,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Handle validates and dispatches one command. Failures are reported in the
// reply; the returned reply always echoes the request volume and command.
func (h *Handler) Handle(ctx context.Context, request domain.BitrotRequest) domain.BitrotReply {
	reply := domain.BitrotReply{
		Volume:  request.Volume,
		Command: request.Command,
	}

	if err := h.handle(ctx, request); err != nil {
		reply.OpRet = -1
		reply.OpErrStr = replyMessage(err)
		h.logger.Errorf("Bitrot command failed, volume: %s, command: %s, error: %v", request.Volume, request.Command, err)
		return reply
	}

	h.logger.Infof("Bitrot command succeeded, volume: %s, command: %s", request.Volume, request.Command)
	return reply
}

func (h *Handler) handle(ctx context.Context, request domain.BitrotRequest) error {
	if request.Volume == "" {
		return errors.NewValidationError("Unable to get volume name", nil)
	}

	command, ok := ParseCommand(request.Command)
	if !ok {
		return errors.NewValidationError("Unable to get type of command", nil).WithContext("command", request.Command)
	}

	if version := h.opVersion(); version < MinOpVersion {
		return errors.NewVersionGateError(fmt.Sprintf(
			"Cannot execute command. The cluster is operating at version %d. Bitrot command %s is unavailable in this version",
			version, command), nil)
	}

	return h.coordinator.Run(ctx, Operation{
		Volume:  request.Volume,
		Command: command,
		Value:   request.Value,
	})
}

// replyMessage surfaces user-facing messages and hides internal failures
func replyMessage(err error) string {
	var de *errors.DomainError
	if !stderrors.As(err, &de) {
		return defaultFailureMessage
	}
	switch de.Type {
	case errors.ErrorTypeValidation, errors.ErrorTypeVersionGate, errors.ErrorTypeNotFound:
		return de.Message
	}
	return defaultFailureMessage
}
