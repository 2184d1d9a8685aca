// ABOUTME: Entry point for audioctl, a remote control for the audiocore daemon
// ABOUTME: Finds a daemon over mDNS or -server, sends one command and prints the result
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Resonate-Protocol/audiocore/internal/control"
	"github.com/Resonate-Protocol/audiocore/internal/discovery"
	"github.com/Resonate-Protocol/audiocore/internal/logging"
	"github.com/Resonate-Protocol/audiocore/internal/version"
)

var (
	serverAddr = flag.String("server", "", "Daemon address host:port (skip mDNS)")
	service    = flag.String("service", discovery.DefaultService, "mDNS service type to browse")
	timeout    = flag.Duration("timeout", 5*time.Second, "Discovery and request timeout")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\nusage: audioctl [flags] <command>\n\n%s\n\nflags:\n", version.String(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
		}
		fmt.Fprintf(os.Stderr, "audioctl: %v\n", err)
		os.Exit(2)
	}

	if err := run(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "audioctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd command) error {
	logs := logging.New(os.Stderr)
	level := "warn"
	if *debug {
		level = "debug"
	}
	if err := logs.SetLevel(level); err != nil {
		return err
	}

	addr := *serverAddr
	if addr == "" {
		info, err := discovery.Lookup(*service, *timeout)
		if err != nil {
			return err
		}
		addr = info.Addr()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := control.Dial(ctx, control.ClientConfig{ServerAddr: addr, Name: "audioctl"})
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := execute(ctx, client, cmd)
	if printable(result, err) {
		printJSON(result)
	}
	return err
}

// printable reports whether result carries output; a failed engine call
// still has a reply worth showing
func printable(result interface{}, err error) bool {
	if err == nil {
		return result != nil
	}
	reply, ok := result.(control.EngineReply)
	return ok && reply.Code != ""
}

func execute(ctx context.Context, client *control.Client, cmd command) (interface{}, error) {
	switch cmd.kind {
	case kindStats:
		return client.Stats(ctx)

	case kindCancel:
		return client.Cancel(ctx, cmd.eventID)

	case kindSchedule:
		scheduled, err := client.Schedule(ctx, control.ScheduleRequest{
			AtMs:    cmd.atMs,
			AfterMs: cmd.afterMs,
			Method:  cmd.method.String(),
			Args:    cmd.args,
			Reply:   cmd.wait,
		})
		if err != nil || !cmd.wait {
			return scheduled, err
		}
		printJSON(scheduled)

		// the reply arrives when the event dispatches, which may be after
		// the request timeout
		select {
		case reply := <-client.Replies:
			return reply, reply.Err()
		case <-client.Done():
			return nil, control.ErrClientClosed
		}

	default:
		return client.Call(ctx, cmd.method, cmd.args)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "audioctl: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
