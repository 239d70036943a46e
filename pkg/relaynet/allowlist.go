package relaynet

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// AllowAll is a regular expression that matches any address.
var AllowAll = regexp.MustCompile("")

// AddrAllowlist is a set of regular expressions loaded from a text file, one
// pattern per line ('#' starts a comment), matched against peer addresses of
// accepted connections. When created with WatchAddrAllowlist the file is
// hot-reloaded on change, so admission policy can be edited without
// restarting the acceptor.
type AddrAllowlist struct {
	*asyncobj.Helper

	path string

	// patterns is replaced wholesale on reload; guarded by patternsLock
	// rather than the Helper Lock so that Allow never contends with
	// shutdown.
	patternsLock sync.RWMutex
	patterns     []*regexp.Regexp

	watcher *fsnotify.Watcher

	// watchDone is closed when the watch loop has returned; nil if the list
	// is not watching.
	watchDone chan struct{}
}

// NewAddrAllowlist loads an allowlist from path without watching for
// changes. An empty or missing pattern list denies everything.
func NewAddrAllowlist(lg logger.Logger, path string) (*AddrAllowlist, error) {
	l := newAddrAllowlist(lg, path)
	if err := l.reload(); err != nil {
		return nil, err
	}
	l.SetIsActivated()
	return l, nil
}

// WatchAddrAllowlist loads an allowlist from path and hot-reloads it
// whenever the file changes. The watch ends when the allowlist is shut down.
func WatchAddrAllowlist(lg logger.Logger, path string) (*AddrAllowlist, error) {
	l := newAddrAllowlist(lg, path)
	if err := l.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, l.DLogErrorf("Could not create file watcher: %s", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, l.DLogErrorf("Could not watch '%s': %s", path, err)
	}
	l.watcher = watcher
	l.watchDone = make(chan struct{})
	go l.watchEvents()
	l.ILogf("Watching %s", path)
	l.SetIsActivated()
	return l, nil
}

func newAddrAllowlist(lg logger.Logger, path string) *AddrAllowlist {
	sublogger := lg.ForkLog("<AddrAllowlist %s>", path)
	l := &AddrAllowlist{path: path}
	l.Helper = asyncobj.NewHelper(sublogger, l)
	return l
}

// Allow returns true if addr matches any pattern in the current list.
func (l *AddrAllowlist) Allow(addr string) bool {
	l.patternsLock.RLock()
	patterns := l.patterns
	l.patternsLock.RUnlock()
	for _, r := range patterns {
		if r.MatchString(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns in the current list.
func (l *AddrAllowlist) Len() int {
	l.patternsLock.RLock()
	defer l.patternsLock.RUnlock()
	return len(l.patterns)
}

// reload re-reads and re-parses the pattern file, replacing the list
// wholesale. A parse error leaves the previous list in place.
func (l *AddrAllowlist) reload() error {
	f, err := os.Open(l.path)
	if err != nil {
		return l.DLogErrorf("Could not open allowlist '%s': %s", l.path, err)
	}
	defer f.Close()

	var patterns []*regexp.Regexp
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := regexp.Compile(line)
		if err != nil {
			return l.DLogErrorf("Invalid pattern '%s' in allowlist '%s': %s", line, l.path, err)
		}
		patterns = append(patterns, r)
	}
	if err := scanner.Err(); err != nil {
		return l.DLogErrorf("Could not read allowlist '%s': %s", l.path, err)
	}

	l.patternsLock.Lock()
	l.patterns = patterns
	l.patternsLock.Unlock()
	l.DLogf("Loaded %d pattern(s)", len(patterns))
	return nil
}

// watchEvents services the fsnotify watcher until it is closed, reloading on
// any event that changes the file. Editors that replace the file remove the
// watch, so the path is re-added after such events.
func (l *AddrAllowlist) watchEvents() {
	defer close(l.watchDone)
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				if err := l.rewatch(); err != nil {
					l.WLogf("Could not re-watch '%s'; further edits will not be seen: %s", l.path, err)
				}
			}
			if err := l.reload(); err != nil {
				l.WLog("Reload failed; keeping previous patterns")
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.DLogf("Watcher error: %s", err)
		}
	}
}

// rewatch re-adds the watch on the pattern file after an editor replaced or
// removed it. The replacement file may not exist yet at the moment the event
// arrives, so a failed add is retried briefly.
func (l *AddrAllowlist) rewatch() error {
	var err error
	for i := 0; i < 20; i++ {
		err = l.watcher.Add(l.path)
		if err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// stops the file watch, if any.
func (l *AddrAllowlist) HandleOnceShutdown(completionErr error) error {
	if l.watcher != nil {
		err := l.watcher.Close()
		<-l.watchDone
		if completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// GatedAcceptHandler wraps an AcceptHandler with allowlist-based admission
// control and keeps the accept cadence going: after every delivered
// connection, admitted or denied, it re-arms the bound Acceptor with
// StartAccept, so the Acceptor runs continuously while the gate decides
// per-connection. Denied connections are closed immediately and never reach
// the inner handler.
type GatedAcceptHandler struct {
	lg        logger.Logger
	allowlist *AddrAllowlist
	inner     AcceptHandler

	lock     sync.Mutex
	acceptor *Acceptor
}

// NewGatedAcceptHandler wraps inner with admission control from allowlist.
// Bind must be called before the first accept is armed.
func NewGatedAcceptHandler(lg logger.Logger, allowlist *AddrAllowlist, inner AcceptHandler) *GatedAcceptHandler {
	return &GatedAcceptHandler{
		lg:        lg.ForkLogStr("<GatedAcceptHandler>"),
		allowlist: allowlist,
		inner:     inner,
	}
}

// Bind attaches the gate to the Acceptor it re-arms. The usual sequence is
// NewGatedAcceptHandler, NewAcceptor with the gate as handler, Bind, then
// StartAccept.
func (g *GatedAcceptHandler) Bind(a *Acceptor) {
	g.lock.Lock()
	g.acceptor = a
	g.lock.Unlock()
}

func (g *GatedAcceptHandler) rearm() {
	g.lock.Lock()
	a := g.acceptor
	g.lock.Unlock()
	if a != nil && !a.IsStartedShutdown() {
		a.StartAccept()
	}
}

// HandleAccept admits or denies one connection, then re-arms the acceptor.
// Part of the AcceptHandler interface.
func (g *GatedAcceptHandler) HandleAccept(conn *Conn) {
	addr := ""
	if conn.Peer != nil {
		addr = conn.Peer.String()
	}
	if !g.allowlist.Allow(addr) {
		g.lg.ILogf("Denied connection from %s", addr)
		conn.Close()
		g.rearm()
		return
	}
	g.lg.DLogf("Admitted connection from %s", addr)
	g.inner.HandleAccept(conn)
	g.rearm()
}

// HandleError forwards accept-level failures to the inner handler. The
// acceptor is not re-armed after a failure; that decision belongs to the
// inner handler. Part of the AsyncErrorHandler interface.
func (g *GatedAcceptHandler) HandleError(err error) {
	g.inner.HandleError(err)
}
