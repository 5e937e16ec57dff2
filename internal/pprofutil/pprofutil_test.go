package pprofutil

import (
	"net/http"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "10.1.2.3:6060", ok: false},
		{addr: "no-port", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartRejectsPublicBind(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false); err == nil {
		t.Fatalf("expected public bind to be rejected")
	}
}

func TestStartServesIndex(t *testing.T) {
	addr, err := Start("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestStartFromEnvDisabled(t *testing.T) {
	t.Setenv("ACCT_PPROF", "")
	if err := StartFromEnv(nil); err != nil {
		t.Fatalf("disabled start failed: %v", err)
	}
}
