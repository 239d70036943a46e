package relaynet

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAllowlistFile(t *testing.T, path string, content string) {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("could not write allowlist file: %s", err)
	}
}

func TestAddrAllowlistMatching(t *testing.T) {
	lg := newTestLogger(t, "TestAddrAllowlistMatching")
	path := filepath.Join(t.TempDir(), "allow.txt")
	writeAllowlistFile(t, path, "# loopback only\n^127\\.0\\.0\\.1:\n^\\[::1\\]:\n")

	l, err := NewAddrAllowlist(lg, path)
	if err != nil {
		t.Fatalf("NewAddrAllowlist failed: %s", err)
	}
	defer l.Close()

	if l.Len() != 2 {
		t.Errorf("loaded %d patterns, expected 2", l.Len())
	}
	if !l.Allow("127.0.0.1:4321") {
		t.Errorf("loopback address denied")
	}
	if l.Allow("10.0.0.5:4321") {
		t.Errorf("non-loopback address admitted")
	}
}

func TestAddrAllowlistBadPattern(t *testing.T) {
	lg := newTestLogger(t, "TestAddrAllowlistBadPattern")
	path := filepath.Join(t.TempDir(), "allow.txt")
	writeAllowlistFile(t, path, "([unclosed\n")

	if _, err := NewAddrAllowlist(lg, path); err == nil {
		t.Errorf("invalid pattern was accepted")
	}
}

func TestAddrAllowlistHotReload(t *testing.T) {
	lg := newTestLogger(t, "TestAddrAllowlistHotReload")
	path := filepath.Join(t.TempDir(), "allow.txt")
	writeAllowlistFile(t, path, "^127\\.\n")

	l, err := WatchAddrAllowlist(lg, path)
	if err != nil {
		t.Fatalf("WatchAddrAllowlist failed: %s", err)
	}
	defer l.Close()

	if l.Allow("192.168.1.9:80") {
		t.Fatalf("address admitted before policy change")
	}

	writeAllowlistFile(t, path, "^127\\.\n^192\\.168\\.\n")

	deadline := time.Now().Add(10 * time.Second)
	for !l.Allow("192.168.1.9:80") {
		if time.Now().After(deadline) {
			t.Fatalf("policy change was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAddrAllowlistReloadAfterReplace(t *testing.T) {
	lg := newTestLogger(t, "TestAddrAllowlistReloadAfterReplace")
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.txt")
	writeAllowlistFile(t, path, "^127\\.\n")

	l, err := WatchAddrAllowlist(lg, path)
	if err != nil {
		t.Fatalf("WatchAddrAllowlist failed: %s", err)
	}
	defer l.Close()

	// Atomic-replace edit: write a temp file and rename it over the watched
	// path, the way editors and config deployers update files. The watch
	// follows the path, not the original inode.
	for round := 0; round < 2; round++ {
		tmp := filepath.Join(dir, "allow.txt.tmp")
		writeAllowlistFile(t, tmp, "^127\\.\n^192\\.168\\.\n")
		if err := os.Rename(tmp, path); err != nil {
			t.Fatalf("rename failed: %s", err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for !l.Allow("192.168.1.9:80") {
			if time.Now().After(deadline) {
				t.Fatalf("replaced file was not picked up (round %d)", round)
			}
			time.Sleep(20 * time.Millisecond)
		}

		if round == 0 {
			// Revert the same way; a second replacement proves the watch
			// survived the first one.
			tmp = filepath.Join(dir, "allow.txt.tmp")
			writeAllowlistFile(t, tmp, "^127\\.\n")
			if err := os.Rename(tmp, path); err != nil {
				t.Fatalf("rename failed: %s", err)
			}
			deadline = time.Now().Add(10 * time.Second)
			for l.Allow("192.168.1.9:80") {
				if time.Now().After(deadline) {
					t.Fatalf("reverted file was not picked up")
				}
				time.Sleep(20 * time.Millisecond)
			}
		}
	}
}

func TestGatedAcceptHandler(t *testing.T) {
	lg := newTestLogger(t, "TestGatedAcceptHandler")
	path := filepath.Join(t.TempDir(), "allow.txt")
	// Deny everything; loopback dials will be closed at the gate.
	writeAllowlistFile(t, path, "^10\\.255\\.\n")

	l, err := NewAddrAllowlist(lg, path)
	if err != nil {
		t.Fatalf("NewAddrAllowlist failed: %s", err)
	}
	defer l.Close()

	inner := newTestAcceptHandler()
	gate := NewGatedAcceptHandler(lg, l, inner)
	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, gate)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}
	defer a.Close()
	gate.Bind(a)

	a.StartAccept()

	// A denied connection is closed by the gate, and the acceptor stays
	// armed without the inner handler being involved.
	client, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	client.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Errorf("denied connection was not closed")
	} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Errorf("denied connection was left open")
	}
	client.Close()

	select {
	case conn := <-inner.conns:
		conn.Close()
		t.Errorf("denied connection reached the inner handler")
	default:
	}

	// The gate re-armed the acceptor, so a later policy change admits the
	// next connection without any caller involvement.
	writeAllowlistFile(t, path, "^127\\.\n")
	if err := l.reload(); err != nil {
		t.Fatalf("reload failed: %s", err)
	}

	client2, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("second Dial failed: %s", err)
	}
	defer client2.Close()

	select {
	case conn := <-inner.conns:
		conn.Close()
	case err := <-inner.errs:
		t.Fatalf("accept delivered error: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatalf("admitted connection never reached the inner handler")
	}
}
