// stubd stands in for a supervised daemon: it honours the spawn contract,
// writes its pid file and serves the daemon control service on its socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/core-tools/hsu-svcmgr/pkg/control"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"

	"github.com/google/renameio/v2"
	flags "github.com/jessevdk/go-flags"
	"google.golang.org/grpc"
)

type flagOptions struct {
	Server        string   `short:"s" description:"volfile server address"`
	VolfileID     string   `long:"volfile-id" description:"logical configuration id"`
	PIDFile       string   `short:"p" description:"pid file" required:"true"`
	LogFile       string   `short:"l" description:"log file"`
	Socket        string   `short:"S" description:"control socket" required:"true"`
	BrickName     string   `long:"brick-name" description:"brick name"`
	BrickPort     int      `long:"brick-port" description:"listener port"`
	XlatorOptions []string `long:"xlator-option" description:"translator option override"`
}

type specHandler struct {
	volfileID string
	fetches   atomic.Int64
	logger    logging.Logger
}

func (h *specHandler) FetchSpec(ctx context.Context) error {
	n := h.fetches.Add(1)
	h.logger.Infof("Spec fetched, volfile-id: %s, count: %d", h.volfileID, n)
	return nil
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	if opts.LogFile != "" {
		zapConfig.Output = opts.LogFile
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()
	logger := backend.Logger("module: stubd , ")
	logger.Infof("opts: %+v", opts)

	if err := run(opts, logger); err != nil {
		logger.Errorf("Stubd failed: %v", err)
		backend.Sync()
		os.Exit(1)
	}
}

func run(opts flagOptions, logger logging.Logger) error {
	if err := os.Remove(opts.Socket); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return err
	}

	server := grpc.NewServer()
	control.RegisterDaemonServerHandler(server, &specHandler{volfileID: opts.VolfileID, logger: logger}, logger)

	if err := renameio.WriteFile(opts.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		listener.Close()
		return err
	}
	defer os.Remove(opts.PIDFile)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	logger.Infof("Stubd is ready, socket: %s", opts.Socket)

	select {
	case receivedSignal := <-sig:
		logger.Infof("Stubd received signal: %v", receivedSignal)
		server.GracefulStop()
		return nil
	case err := <-serveErr:
		return err
	}
}
