package domain

import (
	"context"
)

// BitrotRequest is the decoded option set of a bitrot command
type BitrotRequest struct {
	Volume  string
	Command string
	Value   string
}

// BitrotReply echoes the request volume and command with the outcome
type BitrotReply struct {
	OpRet    int
	OpErrno  int
	OpErrStr string
	Volume   string
	Command  string
}

// ServiceStatus is one row of the manager status report
type ServiceStatus struct {
	Name    string
	Kind    string
	Running bool
	Online  bool
	PID     int
}

// ManagerContract is served by the manager to the CLI
type ManagerContract interface {
	Bitrot(ctx context.Context, request BitrotRequest) (BitrotReply, error)
	Status(ctx context.Context) ([]ServiceStatus, error)
}

// DaemonContract is served by every supervised daemon on its control socket
type DaemonContract interface {
	FetchSpec(ctx context.Context) error
}
