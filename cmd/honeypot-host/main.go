package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"honeypot/internal/be256"
	"honeypot/internal/config"
	"honeypot/internal/debuglog"
	"honeypot/internal/network"
	"honeypot/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: honeypot-host [--addr <ip:port>] [--config <file>] [--script <file|->] [--write-ca <file>] [--keep]")
	fmt.Fprintln(w, "script lines (JSON):")
	fmt.Fprintln(w, `  {"kind":"deposit","amount":"100"}`)
	fmt.Fprintln(w, `  {"kind":"advance","sender":"0x..","payload":"0x.."}`)
	fmt.Fprintln(w, `  {"kind":"inspect","payload":"0x"}`)
}

// scriptLine is one input of the replay script. Deposit lines are expanded
// into a portal notification using the configured addresses unless
// overridden.
type scriptLine struct {
	Kind        string `json:"kind"`
	Sender      string `json:"sender,omitempty"`
	Payload     string `json:"payload,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Timestamp   uint64 `json:"timestamp,omitempty"`
	EpochIndex  uint64 `json:"epoch_index,omitempty"`

	Token  string `json:"token,omitempty"`
	From   string `json:"from,omitempty"`
	Amount string `json:"amount,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

type reportOut struct {
	Hex     string `json:"hex"`
	Status  string `json:"status,omitempty"`
	Balance string `json:"balance,omitempty"`
}

type voucherOut struct {
	Index       uint64 `json:"index"`
	Destination string `json:"destination"`
	Payload     string `json:"payload"`
	TransferTo  string `json:"transfer_to,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

type resultOut struct {
	Kind       string       `json:"kind"`
	InputIndex *uint64      `json:"input_index,omitempty"`
	Accepted   bool         `json:"accepted"`
	Reports    []reportOut  `json:"reports"`
	Vouchers   []voucherOut `json:"vouchers,omitempty"`
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("honeypot-host", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", config.DefaultDeviceAddr, "listen addr (host:port)")
	configPath := fs.String("config", "", "dapp config file (yaml) for the script defaults")
	scriptPath := fs.String("script", "-", "input script, - for stdin")
	writeCA := fs.String("write-ca", "", "write the development certificate (PEM) and exit")
	keep := fs.Bool("keep", false, "keep serving after the script is done")
	logLevel := fs.String("log-level", "WARNING", "log level")
	if err := fs.Parse(args); err != nil {
		printUsage(stderr)
		return 1
	}
	if *writeCA != "" {
		if err := network.WriteDevCA(*writeCA); err != nil {
			fmt.Fprintf(stderr, "write ca failed: %v\n", err)
			return 1
		}
		return 0
	}
	if err := debuglog.Init(*logLevel, stderr); err != nil {
		fmt.Fprintf(stderr, "init logger failed: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}

	var src io.Reader = stdin
	if *scriptPath != "-" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			fmt.Fprintf(stderr, "open script failed: %v\n", err)
			return 1
		}
		defer f.Close()
		src = f
	}
	inputs, err := parseScript(src, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "parse script failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	host := network.NewHost(network.HostOptions{QueueSize: len(inputs) + 1})
	ready := make(chan net.Addr, 1)
	serveErr := make(chan error, 1)
	go func() { serveErr <- host.Serve(ctx, *addr, ready) }()
	select {
	case a := <-ready:
		fmt.Fprintf(stderr, "READY addr=%s inputs=%d\n", a, len(inputs))
	case err := <-serveErr:
		fmt.Fprintf(stderr, "serve failed: %v\n", err)
		return 1
	}
	for _, in := range inputs {
		if err := host.Submit(ctx, in); err != nil {
			fmt.Fprintf(stderr, "submit failed: %v\n", err)
			return 1
		}
	}

	enc := json.NewEncoder(stdout)
	for done := 0; *keep || done < len(inputs); done++ {
		select {
		case r := <-host.Results():
			if err := enc.Encode(describe(r)); err != nil {
				fmt.Fprintf(stderr, "write result failed: %v\n", err)
				return 1
			}
		case err := <-serveErr:
			if err != nil {
				fmt.Fprintf(stderr, "serve failed: %v\n", err)
				return 1
			}
			return 0
		case <-ctx.Done():
			return 0
		}
	}
	return 0
}

func parseScript(r io.Reader, cfg config.Config) ([]network.Input, error) {
	var inputs []network.Input
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 2*proto.MaxPayloadSize+1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var line scriptLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		in, err := buildInput(line, cfg)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		inputs = append(inputs, in)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func buildInput(line scriptLine, cfg config.Config) (network.Input, error) {
	meta := proto.AdvanceMetadata{
		BlockNumber: line.BlockNumber,
		Timestamp:   line.Timestamp,
		EpochIndex:  line.EpochIndex,
	}
	switch line.Kind {
	case "deposit":
		amount, err := be256.ParseDecimal(line.Amount)
		if err != nil {
			return network.Input{}, fmt.Errorf("amount: %w", err)
		}
		p := proto.DepositPayload{Status: proto.DepositSuccessful, Token: cfg.Ledger.Token, Amount: amount}
		if line.Failed {
			p.Status = proto.DepositFailed
		}
		if p.Token, err = addressOr(line.Token, cfg.Ledger.Token); err != nil {
			return network.Input{}, err
		}
		if p.Sender, err = addressOr(line.From, common.Address{}); err != nil {
			return network.Input{}, err
		}
		if meta.Sender, err = addressOr(line.Sender, cfg.Ledger.Portal); err != nil {
			return network.Input{}, err
		}
		return network.Input{Kind: proto.KindAdvance, Metadata: meta, Payload: proto.DepositPayloadBytes(p)}, nil
	case "withdraw":
		var err error
		if meta.Sender, err = addressOr(line.Sender, cfg.Ledger.Withdrawal); err != nil {
			return network.Input{}, err
		}
		return network.Input{Kind: proto.KindAdvance, Metadata: meta}, nil
	case "advance":
		payload, err := decodeHex(line.Payload)
		if err != nil {
			return network.Input{}, err
		}
		if meta.Sender, err = addressOr(line.Sender, common.Address{}); err != nil {
			return network.Input{}, err
		}
		return network.Input{Kind: proto.KindAdvance, Metadata: meta, Payload: payload}, nil
	case "inspect":
		payload, err := decodeHex(line.Payload)
		if err != nil {
			return network.Input{}, err
		}
		return network.Input{Kind: proto.KindInspect, Payload: payload}, nil
	default:
		return network.Input{}, fmt.Errorf("unknown kind %q", line.Kind)
	}
}

func addressOr(s string, fallback common.Address) (common.Address, error) {
	if s == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("payload %q: %w", s, err)
	}
	return b, nil
}

func describe(r network.Result) resultOut {
	out := resultOut{Kind: r.Input.Kind.String(), Accepted: r.Accepted, Reports: []reportOut{}}
	if r.Input.Kind == proto.KindAdvance {
		idx := r.Input.Metadata.InputIndex
		out.InputIndex = &idx
	}
	for _, rep := range r.Reports {
		ro := reportOut{Hex: hexutil.Encode(rep)}
		switch len(rep) {
		case proto.AdvanceReportSize:
			if s, err := proto.DecodeAdvanceReport(rep); err == nil {
				ro.Status = s.String()
			}
		case proto.BalanceReportSize:
			if b, err := proto.DecodeBalanceReport(rep); err == nil {
				ro.Balance = b.String()
			}
		}
		out.Reports = append(out.Reports, ro)
	}
	for _, v := range r.Vouchers {
		vo := voucherOut{
			Index:       v.OutputIndex,
			Destination: v.Destination.Hex(),
			Payload:     hexutil.Encode(v.Payload),
		}
		if tr, err := proto.DecodeTransfer(v.Payload); err == nil {
			vo.TransferTo = tr.Destination.Hex()
			vo.Amount = tr.Amount.String()
		}
		out.Vouchers = append(out.Vouchers, vo)
	}
	return out
}
