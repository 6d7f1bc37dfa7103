package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/op/go-logging"

	"honeypot/internal/config"
	"honeypot/internal/debuglog"
	"honeypot/internal/ledger"
	"honeypot/internal/metrics"
	"honeypot/internal/network"
	"honeypot/internal/pprofutil"
	"honeypot/internal/proto"
	"honeypot/internal/rollup"
	"honeypot/internal/store"
)

var log = logging.MustGetLogger("honeypot")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDapp(args[1:], stdout, stderr)
	case "state":
		return runState(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "selector":
		return runSelector(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: honeypot <run|state|status|selector> [args]")
	fmt.Fprintln(w, "  run       [--config <file>] [--debug]")
	fmt.Fprintln(w, "  state     show [--config <file>] [--path <state file>]")
	fmt.Fprintln(w, "  status    --snapshot <metrics.json>")
	fmt.Fprintln(w, "  selector  <signature>   e.g. \"transfer(address,uint256)\"")
}

func runDapp(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (yaml)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if *debug {
		cfg.LogLevel = "DEBUG"
	}
	if err := debuglog.Init(cfg.LogLevel, stderr); err != nil {
		fmt.Fprintf(stderr, "init logger failed: %v\n", err)
		return 1
	}
	log.Infof("action: config | result: success | token: %s | portal: %s | withdrawal: %s | state: %s | device: %s",
		cfg.Ledger.Token.Hex(), cfg.Ledger.Portal.Hex(), cfg.Ledger.Withdrawal.Hex(), cfg.StatePath, cfg.DeviceAddr)

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Criticalf("action: open_state | result: fail | path: %s | error: %v", cfg.StatePath, err)
		return 1
	}
	defer st.Close()
	l, err := ledger.New(cfg.Ledger, st)
	if err != nil {
		log.Criticalf("action: load_state | result: fail | error: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DeviceTimeout)
	dev, err := network.Dial(dialCtx, cfg.DeviceAddr, network.DialOptions{
		Insecure: cfg.DeviceInsecure,
		CAPath:   cfg.DeviceCAPath,
		Timeout:  cfg.DeviceTimeout,
	})
	cancel()
	if err != nil {
		log.Criticalf("action: open_device | result: fail | addr: %s | error: %v", cfg.DeviceAddr, err)
		return 1
	}
	defer dev.Close()

	m := metrics.New()
	if cfg.DebugAddr != "" {
		if _, err := pprofutil.Start(ctx, cfg.DebugAddr, false, m.Registry()); err != nil {
			log.Criticalf("action: debug_server | result: fail | error: %v", err)
			return 1
		}
	}
	loop := rollup.NewLoop(dev, l, m)
	loop.SnapshotPath = cfg.MetricsSnapshotPath
	fmt.Fprintf(stdout, "READY device=%s balance=%s\n", cfg.DeviceAddr, l.Balance())

	err = loop.Run(ctx)
	if ctx.Err() != nil {
		log.Infof("action: shutdown | result: success | balance: %s", l.Balance())
		return 0
	}
	if errors.Is(err, rollup.ErrDeviceClosed) {
		log.Errorf("action: loop | result: fail | reason: device closed | error: %v", err)
		return 1
	}
	log.Errorf("action: loop | result: fail | error: %v", err)
	return 1
}

func runState(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "show" {
		fmt.Fprintln(stderr, "usage: honeypot state show [--config <file>] [--path <state file>]")
		return 1
	}
	fs := flag.NewFlagSet("state show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (yaml)")
	path := fs.String("path", "", "state file (defaults to state_path)")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "load config failed: %v\n", err)
			return 1
		}
		*path = cfg.StatePath
	}
	balance, err := store.ReadRecord(*path)
	if err != nil {
		fmt.Fprintf(stderr, "read state failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "path: %s\n", *path)
	fmt.Fprintf(stdout, "balance: %s\n", balance)
	fmt.Fprintf(stdout, "hex: %s\n", balance.Hex())
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapshot := fs.String("snapshot", "", "metrics snapshot file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *snapshot == "" {
		fmt.Fprintln(stderr, "missing --snapshot")
		return 1
	}
	data, err := os.ReadFile(*snapshot)
	if err != nil {
		fmt.Fprintf(stderr, "read snapshot failed: %v\n", err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "decode snapshot failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "balance: %s\n", snap.Balance)
	fmt.Fprintf(stdout, "requests: advance=%d inspect=%d\n", snap.Requests["advance"], snap.Requests["inspect"])
	fmt.Fprintf(stdout, "finished: accepted=%d rejected=%d vouchers=%d\n", snap.Accepted, snap.Rejected, snap.Vouchers)
	for s := proto.StatusSuccess; s <= proto.StatusInvalidRequest; s++ {
		if n := snap.Statuses[s.String()]; n > 0 {
			fmt.Fprintf(stdout, "  %-26s %d\n", s, n)
		}
	}
	for _, h := range snap.RecentRequests {
		verdict := "rejected"
		if h.Accepted {
			verdict = "accepted"
		}
		fmt.Fprintf(stdout, "recent: %s input=%d status=%s %s\n", h.Kind, h.InputIndex, h.Status, verdict)
	}
	return 0
}

func runSelector(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(stderr, "usage: honeypot selector <signature>")
		return 1
	}
	sel := proto.Selector(strings.TrimSpace(args[0]))
	fmt.Fprintln(stdout, hex.EncodeToString(sel[:]))
	return 0
}
