package cgi

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const stdinChunkSize = 4096

// errChildClosedBeforeHeaders is returned by ReadStdout when the child's
// stdout hit EOF before a complete header block was seen, per spec.md
// §4.11's error mapping ("Child exits/pipe closes before headers complete
// -> 502 Bad Gateway").
var errChildClosedBeforeHeaders = errors.New("cgi: child closed stdout before headers completed")

// Session is the CgiSession of spec.md §4.11: it owns one spawned child
// and drives its three pipes against the fds the Controller watches.
type Session struct {
	proc *process

	bodyFD      *os.File // request body, read end; nil if the request had none
	bodyFDEOF   bool
	stdinBuf    []byte
	stdinClosed bool

	headers        *headerAccumulator
	stdoutDone     bool
	stdoutFD       *os.File // cleared by Release
	stdoutReleased bool

	stderrBuf []byte

	startedAt time.Time

	log *logrus.Entry
}

// New spawns interpreter over scriptPath with env, optionally streaming
// bodyFD (the request body, already fully received in a BodyStore per
// spec.md §4.11 step 1) into its stdin.
func New(interpreter, scriptPath string, env []string, bodyFD *os.File, log *logrus.Entry) (*Session, error) {
	p, err := spawn(interpreter, scriptPath, env)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		proc:      p,
		bodyFD:    bodyFD,
		headers:   newHeaderAccumulator(),
		startedAt: time.Now(),
		log:       log,
		stdoutFD:  p.stdoutR,
	}
	if bodyFD == nil {
		s.bodyFDEOF = true
	}
	return s, nil
}

// StdinFD is the fd the Controller registers a write-watch on.
func (s *Session) StdinFD() int {
	if s.stdinClosed {
		return -1
	}
	return int(s.proc.stdinW.Fd())
}

// StdoutFD is the fd the Controller registers a read-watch on from spawn
// time, until Release transfers ownership to a response body source.
func (s *Session) StdoutFD() int {
	if s.stdoutFD == nil {
		return -1
	}
	return int(s.stdoutFD.Fd())
}

// StderrFD is the fd the Controller registers a read-watch on.
func (s *Session) StderrFD() int { return int(s.proc.stderrR.Fd()) }

// RefillStdin implements spec.md §4.11's stdin streaming: refill from
// bodyFD on demand, write to the child, and close its stdin once both the
// buffer is empty and bodyFD is at EOF. Returns true once stdin has been
// closed.
func (s *Session) RefillStdin() (closed bool, err error) {
	if s.stdinClosed {
		return true, nil
	}

	if len(s.stdinBuf) == 0 && !s.bodyFDEOF {
		chunk := make([]byte, stdinChunkSize)
		n, rerr := syscall.Read(int(s.bodyFD.Fd()), chunk)
		switch {
		case rerr != nil && isWouldBlock(rerr):
			// no body bytes ready yet; nothing to write this round
		case rerr != nil:
			return false, rerr
		case n == 0:
			s.bodyFDEOF = true
		default:
			s.stdinBuf = append(s.stdinBuf, chunk[:n]...)
		}
	}

	if len(s.stdinBuf) > 0 {
		n, werr := syscall.Write(int(s.proc.stdinW.Fd()), s.stdinBuf)
		if werr != nil {
			if isWouldBlock(werr) {
				return false, nil
			}
			return false, werr
		}
		s.stdinBuf = s.stdinBuf[n:]
	}

	if len(s.stdinBuf) == 0 && s.bodyFDEOF {
		s.proc.stdinW.Close()
		s.stdinClosed = true
		return true, nil
	}
	return false, nil
}

// ReadStdout reads one chunk from the child's stdout and feeds it to the
// header accumulator. It returns (resp, true, nil) once headers complete;
// until then it returns (zero, false, nil). An EOF reached before headers
// complete is reported as an error so the caller maps it to 502, per
// spec.md §4.11's error mapping.
func (s *Session) ReadStdout() (ParsedResponse, bool, error) {
	if s.stdoutDone {
		return ParsedResponse{}, true, nil
	}
	buf := make([]byte, 4096)
	n, err := syscall.Read(int(s.proc.stdoutR.Fd()), buf)
	if err != nil {
		if isWouldBlock(err) {
			return ParsedResponse{}, false, nil
		}
		return ParsedResponse{}, false, err
	}
	if n == 0 {
		return ParsedResponse{}, false, errChildClosedBeforeHeaders
	}
	if !s.headers.Feed(buf[:n]) {
		return ParsedResponse{}, false, nil
	}
	s.stdoutDone = true
	return s.headers.Classify(), true, nil
}

// Prefix returns any body bytes that arrived in the same read as the
// header terminator, per spec.md §4.11's "prefetched body prefix".
func (s *Session) Prefix() []byte { return s.headers.Prefix() }

// Release transfers ownership of the stdout fd to the caller (an HTTP
// response body source), per spec.md §5's fd-ownership rule: after this
// call the Session must not close or read the fd again.
func (s *Session) Release() *os.File {
	f := s.stdoutFD
	s.stdoutFD = nil
	s.stdoutReleased = true
	return f
}

// ReadStderr drains available diagnostics, per spec.md §4.11: "accumulate
// and log; on EOF, unregister." It returns true once EOF is reached.
func (s *Session) ReadStderr() (eof bool) {
	buf := make([]byte, 4096)
	for {
		n, err := syscall.Read(int(s.proc.stderrR.Fd()), buf)
		if err != nil {
			return !isWouldBlock(err)
		}
		if n == 0 {
			return true
		}
		s.stderrBuf = append(s.stderrBuf, buf[:n]...)
		s.log.WithField("cgi_stderr", true).Debug(string(buf[:n]))
	}
}

// FirstByteDeadlineExpired reports whether the §4.11 first-byte timeout
// has elapsed without headers completing.
func (s *Session) FirstByteDeadlineExpired() bool {
	return !s.stdoutDone && time.Since(s.startedAt) > firstByteTimeout
}

// Close kills the child (if still running) and closes every fd this
// Session still owns (the stdout fd is skipped once it has been Released).
func (s *Session) Close() {
	s.proc.kill()
	if !s.stdinClosed {
		s.proc.stdinW.Close()
	}
	if !s.stdoutReleased {
		s.proc.stdoutR.Close()
	}
	s.proc.stderrR.Close()
}

func isWouldBlock(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR
}
