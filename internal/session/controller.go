package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kztakada/go-webserv/internal/cgi"
	"github.com/kztakada/go-webserv/internal/metrics"
	"github.com/kztakada/go-webserv/internal/reactor"
)

// fdRole tags what an fd registered with the reactor is for, carried as
// the reactor's opaque SessionRef so DispatchBatch can route an event to
// the right HTTPSession method without a second lookup.
type fdRole int

const (
	roleClient fdRole = iota
	roleCGIStdin
	roleCGIStdout
	roleCGIStderr
	roleBodySource
)

type watchedFD struct {
	sess *HTTPSession
	role fdRole
}

// Controller is the Session Controller of spec.md §4.12: it owns the
// active/deleting session sets, diffs fd watches against the reactor, and
// sweeps idle sessions on a timer.
type Controller struct {
	rx  *reactor.Reactor
	log *logrus.Entry
	met *metrics.Metrics // nil is valid: every call site guards it

	active   map[int]*HTTPSession // by client fd
	deleting []*HTTPSession
}

// NewController returns a Controller driving rx. met may be nil (metrics
// disabled); every update through it is guarded.
func NewController(rx *reactor.Reactor, log *logrus.Entry, met *metrics.Metrics) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{rx: rx, log: log, met: met, active: make(map[int]*HTTPSession)}
}

// Adopt registers a freshly-accepted session: it begins in
// StateRecvRequest, watched for read-readiness only.
func (c *Controller) Adopt(s *HTTPSession) {
	s.ctrl = c
	c.active[s.fd] = s
	_ = c.rx.AddWatch(s.fd, reactor.Read, &watchedFD{sess: s, role: roleClient})
}

// Count reports the number of sessions currently active, for
// internal/metrics' active_sessions gauge.
func (c *Controller) Count() int { return len(c.active) }

// DispatchBatch routes one reactor.Wait batch to the owning sessions' state
// machines, then performs the deferred end-of-batch deletions queued by
// this round's handling, per spec.md §4.12's "defer destruction to
// end-of-batch" rule (a session destroyed mid-batch must not invalidate a
// later event in the same batch that still names its fd).
func (c *Controller) DispatchBatch(events []reactor.Event) {
	for _, ev := range events {
		wf, ok := ev.Session.(*watchedFD)
		if !ok {
			continue
		}
		s := wf.sess
		if _, stillActive := c.active[s.fd]; !stillActive {
			continue
		}
		doomed := false
		for _, d := range c.deleting {
			if d == s {
				doomed = true
				break
			}
		}
		if doomed {
			continue // already queued for deletion earlier in this batch
		}

		switch wf.role {
		case roleClient:
			if ev.PeerClosed {
				s.onPeerClose()
				continue
			}
			switch ev.Kind {
			case reactor.EventRead:
				s.HandleClientReadable()
			case reactor.EventWrite:
				s.HandleClientWritable()
			case reactor.EventErr:
				s.onPeerClose()
			}
		case roleCGIStdin:
			if ev.Kind == reactor.EventWrite {
				s.handleCGIStdinWritable()
			}
		case roleCGIStdout, roleBodySource:
			if ev.Kind == reactor.EventRead {
				s.handleCGIStdoutReadable()
			}
		case roleCGIStderr:
			if ev.Kind == reactor.EventRead {
				s.handleCGIStderrReadable()
			}
		}
	}
	c.sweepDeletions()
}

// RequestDelete queues s for destruction at the end of the current batch.
func (c *Controller) RequestDelete(s *HTTPSession) {
	for _, d := range c.deleting {
		if d == s {
			return
		}
	}
	c.deleting = append(c.deleting, s)
}

func (c *Controller) sweepDeletions() {
	if len(c.deleting) == 0 {
		return
	}
	for _, s := range c.deleting {
		if _, ok := c.active[s.fd]; !ok {
			continue
		}
		delete(c.active, s.fd)
		_ = c.rx.DeleteWatch(s.fd)
		s.Close()
	}
	c.deleting = c.deleting[:0]
	if c.met != nil {
		c.met.ActiveSessions.Set(float64(len(c.active)))
	}
}

// TimeoutSweep implements spec.md §4.12's synthetic timeout events: every
// active session idle past its own timeout is notified, then queued
// deletions are applied.
func (c *Controller) TimeoutSweep(now time.Time) {
	for _, s := range c.active {
		if now.Sub(s.lastActive) >= time.Duration(s.timeoutSeconds)*time.Second {
			s.onTimeout()
		}
	}
	c.sweepDeletions()
}

// --- watch bookkeeping called back from HTTPSession ---

func (c *Controller) onEnterSendResponse(s *HTTPSession) {
	_ = c.rx.AddWatch(s.fd, reactor.Write, &watchedFD{sess: s, role: roleClient})
}

func (c *Controller) onLeaveSendResponse(s *HTTPSession) {
	_ = c.rx.RemoveWatch(s.fd, reactor.Write)
}

func (c *Controller) onEnterCGI(s *HTTPSession, sess *cgi.Session) {
	if fd := sess.StdinFD(); fd >= 0 {
		_ = c.rx.AddWatch(fd, reactor.Write, &watchedFD{sess: s, role: roleCGIStdin})
	}
	_ = c.rx.AddWatch(sess.StdoutFD(), reactor.Read, &watchedFD{sess: s, role: roleCGIStdout})
	_ = c.rx.AddWatch(sess.StderrFD(), reactor.Read, &watchedFD{sess: s, role: roleCGIStderr})
}

// unwatchCGI removes fd's watch. removeAll deletes every direction at once
// (used on teardown); otherwise it clears both directions individually,
// which is equivalent but goes through the reactor's per-direction API
// (used for the single-direction stdin/stderr EOF paths).
func (c *Controller) unwatchCGI(fd int, removeAll bool) {
	if fd < 0 {
		return
	}
	if removeAll {
		_ = c.rx.DeleteWatch(fd)
		return
	}
	_ = c.rx.RemoveWatch(fd, reactor.Write)
	_ = c.rx.RemoveWatch(fd, reactor.Read)
}

// watchExtra registers a CGI stdout fd, now owned by a released body
// source, for further read-readiness notifications.
func (c *Controller) watchExtra(fd int, s *HTTPSession) {
	if fd < 0 {
		return
	}
	_ = c.rx.RemoveWatch(fd, reactor.Read) // clear any stale roleCGIStdout registration
	_ = c.rx.AddWatch(fd, reactor.Read, &watchedFD{sess: s, role: roleBodySource})
}

func (c *Controller) unwatchExtra(fd int) {
	if fd < 0 {
		return
	}
	_ = c.rx.DeleteWatch(fd)
}
