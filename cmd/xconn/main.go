package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rexliu/xconn/pkg/config"
	"github.com/rexliu/xconn/pkg/ipc"
	"github.com/rexliu/xconn/pkg/logging"
	"github.com/rexliu/xconn/pkg/message"
	"github.com/rexliu/xconn/pkg/storage/sqlite"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = initCommand(os.Args[2:])
	case "version":
		fmt.Printf("xconn %s\n", version)
	case "hello":
		err = helloCommand(os.Args[2:])
	case "date":
		err = dateCommand(os.Args[2:])
	case "fd":
		err = fdCommand(os.Args[2:])
	case "diag":
		err = diagCommand(os.Args[2:])
	case "journal":
		err = journalCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: xconn <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init      Write a default config.toml")
	fmt.Println("  hello     Send {\"hello\": 2} to an endpoint and print the reply")
	fmt.Println("  date      Round-trip a pre-epoch date and check it is exact")
	fmt.Println("  fd        Send an open file descriptor and compare inodes")
	fmt.Println("  diag      Print configuration and resolved socket paths")
	fmt.Println("  journal   List connections recorded by echo-server")
	fmt.Println("  version   Print CLI version")
}

func initCommand(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	name := fs.String("name", "", "Default endpoint name")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	_ = fs.Parse(args)
	if err := os.MkdirAll(*profile, 0o700); err != nil {
		return err
	}
	path := filepath.Join(*profile, config.FileName)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default(*name)); err != nil {
		return err
	}
	fmt.Printf("initialized config at %s\n", path)
	return nil
}

// clientFlags are shared by commands that talk to an endpoint.
type clientFlags struct {
	config  *string
	session *bool
	socket  *string
	timeout *time.Duration
	verbose *bool
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		config:  fs.String("config", "", "Path to config.toml (optional)"),
		session: fs.Bool("session", false, "Target the session domain instead of the system domain"),
		socket:  fs.String("socket", "", "Connect to an explicit socket path"),
		timeout: fs.Duration("timeout", time.Second, "How long to wait for the reply"),
		verbose: fs.Bool("v", false, "Log connection events to stderr"),
	}
}

func (f *clientFlags) connect(endpoint string) (*ipc.Connection, error) {
	cfg, _, err := config.LoadOrDefault(*f.config)
	if err != nil {
		return nil, err
	}
	logger := logging.New("xconn")
	logger.SetOutput(io.Discard)
	if *f.verbose {
		logger.SetOutput(os.Stderr)
	}
	opts := cfg.IPCOptions(logger)
	if endpoint == "" {
		endpoint = cfg.Endpoints.Name
	}
	switch {
	case *f.socket != "":
		return ipc.ConnectPath(*f.socket, opts...), nil
	case endpoint == "":
		return nil, errors.New("no endpoint given")
	case *f.session:
		return ipc.ConnectUnprivileged(endpoint, opts...), nil
	default:
		return ipc.ConnectPrivileged(endpoint, opts...), nil
	}
}

// request sends m and waits for the first reply that is not a lifecycle
// event.
func request(c *ipc.Connection, m message.Message, timeout time.Duration) (message.Message, error) {
	if err := c.Send(m); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		reply, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			if cause := c.Err(); cause != nil {
				return nil, fmt.Errorf("connection invalidated: %w", cause)
			}
			return nil, errors.New("connection closed")
		}
		if err != nil {
			return nil, err
		}
		if _, ok := reply.(message.Error); ok {
			continue
		}
		return reply, nil
	}
}

func helloCommand(args []string) error {
	fs := flag.NewFlagSet("hello", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	c, err := cf.connect(fs.Arg(0))
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := request(c, message.Dictionary{"hello": message.Int64(2)}, *cf.timeout)
	if err != nil {
		return err
	}
	defer ipc.ReleaseDescriptors(reply)
	fmt.Printf("reply: %s\n", message.Format(reply))
	return nil
}

func dateCommand(args []string) error {
	fs := flag.NewFlagSet("date", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	c, err := cf.connect(fs.Arg(0))
	if err != nil {
		return err
	}
	defer c.Close()

	want := time.Unix(0, 0).Add(-90 * time.Second)
	reply, err := request(c, message.Dictionary{"K": message.NewDate(want)}, *cf.timeout)
	if err != nil {
		return err
	}
	defer ipc.ReleaseDescriptors(reply)
	dict, ok := reply.(message.Dictionary)
	if !ok {
		return fmt.Errorf("unexpected reply %s", message.Format(reply))
	}
	got, ok := dict["K"].(message.Date)
	if !ok {
		return fmt.Errorf("reply has no date under K: %s", message.Format(reply))
	}
	if got.UnixNano() != want.UnixNano() {
		return fmt.Errorf("date mismatch: sent %d ns, got %d ns", want.UnixNano(), got.UnixNano())
	}
	fmt.Printf("date round trip exact: %s\n", message.Format(got))
	return nil
}

func fdCommand(args []string) error {
	fs := flag.NewFlagSet("fd", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: xconn fd [flags] <path> [endpoint]")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	c, err := cf.connect(fs.Arg(1))
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := request(c, message.Dictionary{"fd": message.Fd(f.Fd())}, *cf.timeout)
	if err != nil {
		return err
	}
	defer ipc.ReleaseDescriptors(reply)
	dict, _ := reply.(message.Dictionary)
	fd, ok := dict["fd"].(message.Fd)
	if !ok {
		return fmt.Errorf("reply has no descriptor: %s", message.Format(reply))
	}
	var sent, got unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &sent); err != nil {
		return err
	}
	if err := unix.Fstat(int(fd), &got); err != nil {
		return err
	}
	if sent.Dev != got.Dev || sent.Ino != got.Ino {
		return fmt.Errorf("descriptor mismatch: sent inode %d, got %d", sent.Ino, got.Ino)
	}
	fmt.Printf("descriptor %d came back as %d, inode %d\n", f.Fd(), fd, got.Ino)
	return nil
}

func diagCommand(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml (optional)")
	_ = fs.Parse(args)
	cfg, base, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if *configPath != "" {
		fmt.Printf("Config: %s\n", *configPath)
	} else {
		fmt.Println("Config: built-in defaults")
	}
	reg := cfg.Registry()
	fmt.Printf("System Dir: %s\n", reg.SystemDir)
	fmt.Printf("Session Dir: %s\n", reg.SessionDir)
	if name := cfg.Endpoints.Name; name != "" {
		for _, d := range []ipc.Domain{ipc.DomainSystem, ipc.DomainSession} {
			path, err := reg.Path(name, d)
			if err != nil {
				return err
			}
			fmt.Printf("Endpoint %s (%s): %s\n", name, d, path)
		}
	}
	fmt.Printf("Queue Capacity: %d\n", cfg.Connection.QueueCapacity)
	fmt.Printf("Max Frame Size: %d\n", cfg.Connection.MaxFrameSize)
	fmt.Printf("Reconnect: %d attempts, %s..%s\n", cfg.Connection.ReconnectAttempts,
		cfg.Connection.ReconnectInitialDelay, cfg.Connection.ReconnectMaxDelay)
	if cfg.Journal.DBPath != "" {
		fmt.Printf("Journal: %s\n", config.ResolvePath(base, cfg.Journal.DBPath))
	}
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(base, cfg.Logging.FilePath))
	}
	if cfg.Metrics.ListenAddr != "" {
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.Metrics.ListenAddr)
	}
	return nil
}

func journalCommand(args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	limit := fs.Int("limit", 20, "Number of connections to list")
	_ = fs.Parse(args)
	if *configPath == "" {
		return errors.New("-config is required")
	}
	cfg, base, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if cfg.Journal.DBPath == "" {
		return errors.New("journal disabled in config")
	}
	store, err := sqlite.Open(config.ResolvePath(base, cfg.Journal.DBPath))
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Init(ctx, sqlite.Options{JournalMode: cfg.Journal.JournalMode, Synchronous: cfg.Journal.Synchronous}); err != nil {
		return err
	}
	conns, err := store.ListConnections(ctx, *limit)
	if err != nil {
		return err
	}
	for _, c := range conns {
		opened := time.UnixMilli(c.OpenedAt).Format(time.RFC3339)
		fmt.Printf("%s  %-12s  %-11s  uid=%d pid=%d  msgs=%d  opened=%s", c.ID, c.Endpoint, c.State, c.PeerUID, c.PeerPID, c.Messages, opened)
		if c.Cause != "" {
			fmt.Printf("  cause=%q", c.Cause)
		}
		fmt.Println()
	}
	return nil
}
