package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/scalar/service/internal/config"
	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/message"
)

// requestTimeout bounds a CLI round trip to the service. Unmount waits
// longer because the engine reports Completed only after tearing down.
const (
	requestTimeout = 30 * time.Second
	unmountTimeout = 5 * time.Minute
)

// clientFlags are shared by the commands that talk to a running service.
type clientFlags struct {
	settings
	Socket string
	JSON   bool
}

func (c *clientFlags) AddFlags(fs *pflag.FlagSet) {
	c.settings.AddFlags(fs)
	fs.StringVar(&c.Socket, "socket", "", "Service socket path (default: "+config.DefaultServiceSocket+")")
	fs.BoolVar(&c.JSON, "json", false, "Output in JSON format")
}

func (c *clientFlags) channel() (string, error) {
	if c.Socket != "" {
		return c.Socket, nil
	}
	cfg, err := c.resolve()
	if err != nil {
		return "", err
	}
	return cfg.ServiceSocket, nil
}

// newClientFlagSet builds the flag set of a client command.
func newClientFlagSet(name, synopsis string, stderr io.Writer) (*pflag.FlagSet, *clientFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &clientFlags{}
	c.AddFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: scalar-service %s\n\nOptions:\n", synopsis)
		fs.PrintDefaults()
	}
	return fs, c
}

// roundTrip sends one request to the service and returns its reply.
func roundTrip(channel string, req message.Message) (message.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var reply message.Message
	err := ipc.WithConn(ctx, channel, ipc.DefaultConnectTimeout, func(conn *ipc.Conn) error {
		_ = conn.SetDeadline(time.Now().Add(requestTimeout))
		r, err := conn.Request(req)
		reply = r
		return err
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("service unavailable at %s: %w", channel, err)
	}
	return reply, nil
}

func absRoot(root string) (string, error) {
	abs, err := filepath.Abs(config.ExpandHome(root, homeDir()))
	if err != nil {
		return "", fmt.Errorf("invalid enlistment root %q: %w", root, err)
	}
	return abs, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runRegister(args []string, stdout, stderr io.Writer) int {
	fs, c := newClientFlagSet("register", "register <root> [options]", stderr)
	owner := fs.String("owner", "", "Owner identity (default: current uid)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	root, err := absRoot(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *owner == "" {
		*owner = strconv.Itoa(os.Getuid())
	}
	channel, err := c.channel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	req, err := message.RegisterRepoRequest{EnlistmentRoot: root, OwnerSID: *owner}.ToMessage()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	reply, err := roundTrip(channel, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := message.Unmarshal[message.RegisterRepoResponse](reply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: unexpected reply %q\n", reply.String())
		return 1
	}
	if resp.State != message.Success {
		fmt.Fprintf(stderr, "Error: register failed: %s\n", resp.ErrorMessage)
		return 1
	}
	fmt.Fprintf(stdout, "Registered %s\n", root)
	return 0
}

func runUnregister(args []string, stdout, stderr io.Writer) int {
	fs, c := newClientFlagSet("unregister", "unregister <root> [options]", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	root, err := absRoot(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	channel, err := c.channel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	req, _ := message.UnregisterRepoRequest{EnlistmentRoot: root}.ToMessage()
	reply, err := roundTrip(channel, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := message.Unmarshal[message.UnregisterRepoResponse](reply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: unexpected reply %q\n", reply.String())
		return 1
	}
	if resp.State != message.Success {
		fmt.Fprintf(stderr, "Error: unregister failed: %s\n", resp.ErrorMessage)
		return 1
	}
	fmt.Fprintf(stdout, "Unregistered %s\n", root)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs, c := newClientFlagSet("list", "list [options]", stderr)
	owner := fs.String("owner", "", "Only list enlistments of this owner")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	channel, err := c.channel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	req := message.NewHeaderOnly(message.HeaderGetActiveRepoList)
	if *owner != "" {
		req, _ = message.GetActiveRepoListRequest{OwnerSID: *owner}.ToMessage()
	}
	reply, err := roundTrip(channel, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := message.Unmarshal[message.GetActiveRepoListResponse](reply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: unexpected reply %q\n", reply.String())
		return 1
	}
	if resp.State != message.Success {
		fmt.Fprintf(stderr, "Error: list failed: %s\n", resp.ErrorMessage)
		return 1
	}

	if c.JSON {
		writeJSON(stdout, resp.RepoList)
		return 0
	}
	if len(resp.RepoList) == 0 {
		fmt.Fprintln(stdout, "No active enlistments.")
		return 0
	}
	for _, root := range resp.RepoList {
		fmt.Fprintln(stdout, root)
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, c := newClientFlagSet("status", "status <root> [options]", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	root, err := absRoot(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	channel, err := c.channel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	req, _ := message.GetStatusRequest{EnlistmentRoot: root}.ToMessage()
	reply, err := roundTrip(channel, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if reply.Header == message.HeaderMountNotReady {
		if c.JSON {
			writeJSON(stdout, map[string]string{"MountStatus": message.HeaderMountNotReady, "EnlistmentRoot": root})
			return 0
		}
		fmt.Fprintf(stdout, "%s is not mounted.\n", root)
		return 0
	}
	status, err := message.Unmarshal[message.GetStatusResponse](reply)
	if err != nil {
		fmt.Fprintf(stderr, "Error: unexpected reply %q\n", reply.String())
		return 1
	}

	if c.JSON {
		writeJSON(stdout, status)
		return 0
	}
	fmt.Fprintf(stdout, "Enlistment:   %s\n", status.EnlistmentRoot)
	fmt.Fprintf(stdout, "Mount status: %s\n", status.MountStatus)
	if status.RepoUrl != "" {
		fmt.Fprintf(stdout, "Repo URL:     %s\n", status.RepoUrl)
	}
	if status.CacheServer != "" {
		fmt.Fprintf(stdout, "Cache server: %s\n", status.CacheServer)
	}
	if status.LocalCacheRoot != "" {
		fmt.Fprintf(stdout, "Local cache:  %s\n", status.LocalCacheRoot)
	}
	if status.DiskLayoutVersion != "" {
		fmt.Fprintf(stdout, "Disk layout:  %s\n", status.DiskLayoutVersion)
	}
	fmt.Fprintf(stdout, "Background:   %d\n", status.BackgroundOperationCount)
	return 0
}

// runUnmount prints each plain-text reply as it arrives. Acknowledged is
// followed by Completed once the engine is done.
func runUnmount(args []string, stdout, stderr io.Writer) int {
	fs, c := newClientFlagSet("unmount", "unmount <root> [options]", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	root, err := absRoot(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	channel, err := c.channel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
	defer cancel()

	code := 1
	err = ipc.WithConn(ctx, channel, ipc.DefaultConnectTimeout, func(conn *ipc.Conn) error {
		_ = conn.SetDeadline(time.Now().Add(unmountTimeout))
		req, _ := message.UnmountRequest{EnlistmentRoot: root}.ToMessage()
		reply, err := conn.Request(req)
		if err != nil {
			return err
		}
		switch reply.Header {
		case message.UnmountNotMounted:
			fmt.Fprintf(stdout, "%s is not mounted.\n", root)
			code = 0
			return nil
		case message.UnmountAlreadyUnmounting:
			fmt.Fprintf(stdout, "%s is already unmounting.\n", root)
			code = 0
			return nil
		case message.UnmountAcknowledged:
			fmt.Fprintf(stdout, "Unmounting %s...\n", root)
		default:
			return fmt.Errorf("unexpected reply %q", reply.String())
		}

		reply, err = conn.Receive()
		if err != nil {
			return fmt.Errorf("unmount did not complete: %w", err)
		}
		if reply.Header != message.UnmountCompleted {
			return fmt.Errorf("unexpected reply %q", reply.String())
		}
		fmt.Fprintf(stdout, "Unmounted %s\n", root)
		code = 0
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return code
}
