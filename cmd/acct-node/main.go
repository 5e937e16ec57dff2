package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ConorIT/jdiameter/internal/config"
	"github.com/ConorIT/jdiameter/internal/daemon"
	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/pprofutil"
	"github.com/ConorIT/jdiameter/internal/telemetry"
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
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "fetch":
		return runFetch(args[1:], stdout, stderr)
	case "peer-down":
		return runPeerDown(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: acct-node <run|fetch|peer-down|status> [args]")
	fmt.Fprintln(w, "  run       [--addr ip:port] [--host name] [--store memory|journal|sqlite] [--store-path p] [--peers list] [--debug]")
	fmt.Fprintln(w, "  fetch     --addr <node> (--session <id> | --owner <host>)")
	fmt.Fprintln(w, "  peer-down --addr <node> --peer <identity>")
	fmt.Fprintln(w, "  status    --metrics <path>")
	fmt.Fprintln(w, "settings default to ACCT_* environment variables")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadNode()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "listen addr (host:port)")
	fs.StringVar(&cfg.OriginHost, "host", cfg.OriginHost, "origin host")
	fs.StringVar(&cfg.OriginRealm, "realm", cfg.OriginRealm, "origin realm")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "session store: memory, journal or sqlite")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "journal file or sqlite database")
	fs.StringVar(&cfg.Peers, "peers", cfg.Peers, "peers as identity=addr, comma separated")
	fs.StringVar(&cfg.MetricsPath, "metrics", cfg.MetricsPath, "metrics snapshot path")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if cfg.Debug {
		debuglog.SetDebug(true)
	}
	defer debuglog.Flush()
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "acct-node", cfg.OriginHost, cfg.OTelEndpoint)
	if err != nil {
		fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	runner, err := daemon.NewRunner(cfg, daemon.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer runner.Close()

	ready := make(chan string, 1)
	go func() {
		select {
		case addr := <-ready:
			fmt.Fprintf(stdout, "READY addr=%s origin_host=%s store=%s\n", addr, cfg.OriginHost, cfg.Store)
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func controlFlags(name string, stderr io.Writer) (*flag.FlagSet, *string, *string, *bool, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "node address (host:port)")
	ca := fs.String("ca", os.Getenv("ACCT_CA_PATH"), "CA certificate file")
	insecure := fs.Bool("insecure", false, "skip certificate verification")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	return fs, addr, ca, insecure, timeout
}

func runFetch(args []string, stdout, stderr io.Writer) int {
	fs, addr, ca, insecure, timeout := controlFlags("fetch", stderr)
	id := fs.String("session", "", "session id to take over")
	owner := fs.String("owner", "", "take over every open session of this host")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if strings.TrimSpace(*id) == "" && strings.TrimSpace(*owner) == "" {
		fmt.Fprintln(stderr, "missing --session or --owner")
		return 1
	}
	client, err := network.NewClient(network.ClientOptions{Insecure: *insecure, CAPath: *ca})
	if err != nil {
		fmt.Fprintf(stderr, "client: %v\n", err)
		return 1
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := daemon.SendFetch(ctx, client, *addr, *id, *owner)
	if err != nil {
		fmt.Fprintf(stderr, "fetch failed: %v\n", err)
		return 1
	}
	if *id != "" {
		fmt.Fprintf(stdout, "session=%s phase=%s record=%d\n", res.SessionID, res.Phase, res.RecordNumber)
		return 0
	}
	fmt.Fprintf(stdout, "fetched %d sessions of %s\n", len(res.Sessions), *owner)
	for _, s := range res.Sessions {
		fmt.Fprintf(stdout, "  %s\n", s)
	}
	return 0
}

func runPeerDown(args []string, stdout, stderr io.Writer) int {
	fs, addr, ca, insecure, timeout := controlFlags("peer-down", stderr)
	identity := fs.String("peer", "", "identity of the unreachable peer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || strings.TrimSpace(*identity) == "" {
		fmt.Fprintln(stderr, "missing --addr or --peer")
		return 1
	}
	client, err := network.NewClient(network.ClientOptions{Insecure: *insecure, CAPath: *ca})
	if err != nil {
		fmt.Fprintf(stderr, "client: %v\n", err)
		return 1
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := daemon.SendPeerDown(ctx, client, *addr, *identity); err != nil {
		fmt.Fprintf(stderr, "peer down failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "peer %s marked unreachable\n", *identity)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("metrics", os.Getenv("ACCT_METRICS_PATH"), "metrics snapshot path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --metrics")
		return 1
	}
	snap, err := metrics.ReadSnapshot(*path)
	if err != nil {
		fmt.Fprintf(stderr, "status: no snapshot: %v\n", err)
		return 1
	}
	printStatus(stdout, snap)
	return 0
}

func printStatus(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Snapshot at %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  sessions: %d\n", snap.Sessions)
	fmt.Fprintf(w, "  conns: %d streams: %d\n", snap.CurrentConns, snap.CurrentStreams)
	fmt.Fprintf(w, "  store: commits=%d unavailable=%d fetches=%d reaped=%d\n",
		snap.Store.Commits, snap.Store.Unavailable, snap.Store.Fetches, snap.Store.Reaped)
	for _, k := range metrics.Keys(snap.Responder.Received.Requests) {
		fmt.Fprintf(w, "  received %s: %d\n", k, snap.Responder.Received.Requests[k])
	}
	for _, k := range metrics.Keys(snap.Responder.Sent.Results) {
		fmt.Fprintf(w, "  answered %s: %d\n", k, snap.Responder.Sent.Results[k])
	}
	for _, k := range metrics.Keys(snap.DropByReason) {
		fmt.Fprintf(w, "  dropped %s: %d\n", k, snap.DropByReason[k])
	}
	if report := metrics.ErrorReport(snap.Recent); report != "" {
		fmt.Fprintln(w, "Recent errors:")
		fmt.Fprint(w, report)
	}
}
