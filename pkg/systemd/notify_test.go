package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	logx "drawbot/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready = %v, %v; want false, nil", sent, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Watchdog(ctx, logx.Nop()); err != nil {
		t.Fatalf("Watchdog = %v", err)
	}
}

func TestReadySendsToSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	if sent, err := Status("drawing"); !sent || err != nil {
		t.Fatalf("Status = %v, %v", sent, err)
	}
	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "STATUS=drawing" {
		t.Fatalf("got %q", got)
	}
}
