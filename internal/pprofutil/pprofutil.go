package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts the pprof server once per process when ACCT_PPROF=1.
// ACCT_PPROF_ADDR overrides the bind address; a non-loopback address also
// needs ACCT_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(logw io.Writer) error {
	if strings.TrimSpace(os.Getenv("ACCT_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("ACCT_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("ACCT_PPROF_ALLOW_PUBLIC")) == "1"
		var actual string
		actual, startErr = Start(addr, allowPublic)
		if startErr == nil && logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
		}
	})
	return startErr
}

// Start serves net/http/pprof on addr and returns the bound address.
func Start(addr string, allowPublic bool) (string, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("pprof address must be loopback unless public binding is allowed: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	srv := &http.Server{
		Addr:              actual,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return actual, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
