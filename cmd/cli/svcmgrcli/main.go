package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/control"
	"github.com/core-tools/hsu-svcmgr/pkg/domain"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/svcmgr"

	flags "github.com/jessevdk/go-flags"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type flagOptions struct {
	Socket  string `long:"socket" description:"manager control socket"`
	Port    int    `long:"port" description:"manager TCP port on localhost, overrides --socket"`
	Status  bool   `long:"status" description:"show supervised services"`
	Volume  string `long:"volume" description:"volume for a bitrot command"`
	Command string `long:"command" description:"bitrot command: enable, disable, scrub-throttle, scrub-frequency, scrub"`
	Value   string `long:"value" description:"value for scrub-throttle, scrub-frequency and scrub"`
	Timeout int    `long:"timeout" default:"30" description:"request timeout in seconds"`
	Verbose bool   `long:"verbose" short:"v" description:"log client activity"`
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

	if !opts.Status && opts.Command == "" {
		fmt.Println("Either --status or --command is required")
		os.Exit(1)
	}

	logger := logging.NewNopLogger()
	if opts.Verbose {
		backend, err := logging.NewZapBackend(logging.ZapConfig{Level: "debug", Format: "console", Output: "stderr"})
		if err != nil {
			fmt.Printf("Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer backend.Sync()
		logger = backend.Logger("module: svcmgrcli , ")
	}

	target := "unix://" + opts.Socket
	if opts.Port != 0 {
		target = net.JoinHostPort("localhost", strconv.Itoa(opts.Port))
	} else if opts.Socket == "" {
		target = "unix://" + svcmgr.DefaultRunDir + "/" + svcmgr.DefaultSocketName
	}
	logger.Debugf("Connecting to %s", target)

	conn, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Printf("Failed to connect to the manager: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := control.NewManagerClientGateway(conn, logger)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Timeout)*time.Second)
	defer cancel()

	if opts.Command != "" {
		reply, err := client.Bitrot(ctx, domain.BitrotRequest{
			Volume:  opts.Volume,
			Command: opts.Command,
			Value:   opts.Value,
		})
		if err != nil {
			fmt.Printf("Bitrot request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(renderBitrotReply(reply))
		if reply.OpRet != 0 {
			os.Exit(1)
		}
	}

	if opts.Status {
		statuses, err := client.Status(ctx)
		if err != nil {
			fmt.Printf("Status request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(renderStatus(statuses, shouldDecorate(os.Stdout)))
	}
}
