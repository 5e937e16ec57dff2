package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ConorIT/jdiameter/internal/config"
	"github.com/ConorIT/jdiameter/internal/daemon"
	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/node"
	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "flow":
		return runFlow(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: acct-client <flow|send> [args]")
	fmt.Fprintln(w, "  flow  [--peers list] [--interims n] [--takeover]")
	fmt.Fprintln(w, "  send  --peer <addr> --type <initial|interim|terminate|event> [--session id] [--record n]")
	fmt.Fprintln(w, "settings default to ACCT_* environment variables")
}

type clientFlags struct {
	cfg      config.Client
	insecure bool
}

func parseClientFlags(fs *flag.FlagSet, args []string) (clientFlags, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return clientFlags{}, err
	}
	out := clientFlags{cfg: cfg}
	fs.StringVar(&out.cfg.OriginHost, "host", cfg.OriginHost, "origin host")
	fs.StringVar(&out.cfg.OriginRealm, "realm", cfg.OriginRealm, "origin realm")
	fs.StringVar(&out.cfg.Peers, "peers", cfg.Peers, "peers as identity=addr, comma separated")
	fs.DurationVar(&out.cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per request timeout")
	fs.IntVar(&out.cfg.MaxTries, "tries", cfg.MaxTries, "attempts for busy answers")
	fs.StringVar(&out.cfg.CAPath, "ca", cfg.CAPath, "CA certificate file")
	fs.BoolVar(&out.insecure, "insecure", false, "skip certificate verification")
	fs.BoolVar(&out.cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return clientFlags{}, err
	}
	if err := out.cfg.Validate(); err != nil {
		return clientFlags{}, err
	}
	if out.cfg.Debug {
		debuglog.SetDebug(true)
	}
	return out, nil
}

func runFlow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("flow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	interims := fs.Int("interims", 1, "number of INTERIM records")
	takeover := fs.Bool("takeover", false, "on a failed exchange, have the next peer fetch the session and retry")
	cf, err := parseClientFlags(fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "flow: %v\n", err)
		return 1
	}
	defer debuglog.Flush()

	client, err := network.NewClient(network.ClientOptions{Insecure: cf.insecure, CAPath: cf.cfg.CAPath})
	if err != nil {
		fmt.Fprintf(stderr, "client: %v\n", err)
		return 1
	}
	defer client.Close()

	// the client side keeps no sessions of its own; the store only
	// satisfies the node constructor
	self, err := node.New(node.Options{
		OriginHost:  cf.cfg.OriginHost,
		OriginRealm: cf.cfg.OriginRealm,
		Store:       store.NewMemory(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "client node: %v\n", err)
		return 1
	}
	for _, p := range cf.cfg.PeerList() {
		if err := self.Peers().Upsert(p, false); err != nil {
			fmt.Fprintf(stderr, "peer: %v\n", err)
			return 1
		}
	}
	initiator, err := self.Initiator(node.InitiatorOptions{
		Exchanger:      node.NewQUICExchanger(client),
		RequestTimeout: cf.cfg.RequestTimeout,
		MaxTries:       cf.cfg.MaxTries,
	})
	if err != nil {
		fmt.Fprintf(stderr, "initiator: %v\n", err)
		return 1
	}

	ctx := context.Background()
	id := initiator.CreateSession()
	fmt.Fprintf(stdout, "session %s\n", id)
	steps := []func(context.Context) (proto.AccountingAnswer, error){initiator.SendInitial}
	for i := 0; i < *interims; i++ {
		steps = append(steps, initiator.SendInterim)
	}
	steps = append(steps, initiator.SendTermination)
	for _, step := range steps {
		ans, err := step(ctx)
		if err != nil && *takeover {
			fmt.Fprintf(stderr, "exchange failed, taking over: %v\n", err)
			ans, err = takeOver(ctx, client, self, initiator, step)
		}
		if err != nil {
			fmt.Fprintf(stderr, "exchange failed: %v\n", err)
			break
		}
		printAnswer(stdout, ans)
		if !ans.ResultCode.Success() {
			break
		}
	}
	if initiator.Passed() {
		fmt.Fprintln(stdout, "PASSED")
		return 0
	}
	fmt.Fprintln(stdout, "FAILED")
	if report := initiator.ErrorReport(); report != "" {
		fmt.Fprint(stdout, report)
	}
	return 1
}

// takeOver reports the peer that last answered as down to the next
// connected peer, has that peer fetch the session and repeats step there.
func takeOver(ctx context.Context, client *network.Client, self *node.Node, initiator *node.Initiator, step func(context.Context) (proto.AccountingAnswer, error)) (proto.AccountingAnswer, error) {
	failed := initiator.Routed()
	if failed == "" {
		return proto.AccountingAnswer{}, fmt.Errorf("no peer to take over from")
	}
	self.Responder().OnPeerUnreachable(failed)
	next := self.Peers().Connected()
	if len(next) == 0 {
		return proto.AccountingAnswer{}, node.ErrNoPeer
	}
	target := next[0]
	if err := daemon.SendPeerDown(ctx, client, target.Addr, failed); err != nil {
		return proto.AccountingAnswer{}, fmt.Errorf("peer down to %s: %w", target.Identity, err)
	}
	if _, err := daemon.SendFetch(ctx, client, target.Addr, initiator.SessionID(), ""); err != nil {
		return proto.AccountingAnswer{}, fmt.Errorf("fetch on %s: %w", target.Identity, err)
	}
	return step(ctx)
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("peer", "", "node address (host:port)")
	rtName := fs.String("type", "", "record type")
	id := fs.String("session", "", "session id")
	record := fs.Int64("record", -1, "record number; negative leaves it unset")
	cf, err := parseClientFlags(fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	if strings.TrimSpace(*addr) == "" {
		fmt.Fprintln(stderr, "missing --peer")
		return 1
	}
	rt, err := proto.ParseRecordType(*rtName)
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	req := proto.NewAccountingRequest(*id, rt, cf.cfg.OriginHost, cf.cfg.OriginRealm)
	if *record >= 0 {
		n := uint64(*record)
		req.RecordNumber = &n
	}
	payload, err := proto.EncodeMessage(req)
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	client, err := network.NewClient(network.ClientOptions{Insecure: cf.insecure, CAPath: cf.cfg.CAPath})
	if err != nil {
		fmt.Fprintf(stderr, "client: %v\n", err)
		return 1
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cf.cfg.RequestTimeout)
	defer cancel()
	resp, err := client.Exchange(ctx, *addr, payload)
	if err != nil {
		fmt.Fprintf(stderr, "exchange failed: %v\n", err)
		return 1
	}
	ans, err := proto.DecodeAccountingAnswer(resp)
	if err != nil {
		fmt.Fprintf(stderr, "bad answer: %v\n", err)
		return 1
	}
	printAnswer(stdout, ans)
	if !ans.ResultCode.Success() {
		return 2
	}
	return 0
}

func printAnswer(w io.Writer, ans proto.AccountingAnswer) {
	fmt.Fprintf(w, "%s result=%d %s record=%d from=%s", ans.RecordType, uint32(ans.ResultCode), ans.ResultCode, ans.RecordNumber, ans.OriginHost)
	if ans.ErrorMessage != "" {
		fmt.Fprintf(w, " error=%q", ans.ErrorMessage)
	}
	fmt.Fprintln(w)
}

