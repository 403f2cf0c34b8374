// Package session implements spec.md §4.10-§4.12: the per-connection
// HTTPSession state machine and the Controller that owns the active set,
// deferred deletion, and fd-watch bookkeeping around the reactor.
package session

import (
	"os"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kztakada/go-webserv/internal/bodysrc"
	"github.com/kztakada/go-webserv/internal/bodystore"
	"github.com/kztakada/go-webserv/internal/cgi"
	"github.com/kztakada/go-webserv/internal/config"
	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpparse"
	"github.com/kztakada/go-webserv/internal/httpstatus"
	"github.com/kztakada/go-webserv/internal/ioqueue"
	"github.com/kztakada/go-webserv/internal/processor"
	"github.com/kztakada/go-webserv/internal/respenc"
	"github.com/kztakada/go-webserv/internal/respwriter"
	"github.com/kztakada/go-webserv/internal/router"
)

// State is the HTTP session lifecycle of spec.md §4.10.
type State int

const (
	StateRecvRequest State = iota
	StateExecuteCGI
	StateSendResponse
	StateCloseWait
)

// maxInternalRedirects bounds both router- and CGI-driven internal
// redirect chains, per spec.md §4.8: "At most five internal redirects per
// request; exceeding -> 500."
const maxInternalRedirects = 5

const defaultTimeoutSeconds = 60

// pinnedCGISource wraps the *os.File released from a cgi.Session together
// with the bodysrc.Source built over its raw fd. Like
// internal/processor's pinnedFileSource, this keeps the os.File reachable
// so its GC finalizer never races the syscall-level close the Source
// performs on the same fd.
type pinnedCGISource struct {
	f *os.File
	bodysrc.Source
}

func newPinnedCGISource(f *os.File, prefix []byte) *pinnedCGISource {
	return &pinnedCGISource{f: f, Source: bodysrc.NewPrefetchedFDSource(prefix, int(f.Fd()))}
}

// HTTPSession owns one client-facing fd and all in-flight state for one
// connection, per spec.md §4.10.
type HTTPSession struct {
	fd int

	cfg        *config.ServerConfig
	uploadTemp string
	listenHost string
	listenPort int
	remoteAddr string

	recv   *ioqueue.Buffer
	send   *ioqueue.Buffer
	parser *httpparse.Parser
	store  *bodystore.Store

	state State

	// activeReq/activeRouting are the request/decision currently being
	// carried out, kept around so a CGI local-redirect (arriving
	// asynchronously, long after the original request finished parsing)
	// can resume the same redirect-chain accounting as a router redirect.
	activeReq     *httpmsg.Request
	activeRouting *router.LocationRouting
	redirectCount int
	ov            processor.Override

	resp   *httpmsg.Response
	writer *respwriter.Writer

	cgiSess        *cgi.Session
	cgiHeadersDone bool
	extraReadFD    int // >=0 while a released CGI stdout fd is watched as a body source

	peerClosed bool
	wantClose  bool

	lastActive     time.Time
	timeoutSeconds int

	proc *processor.Processor
	log  *logrus.Entry

	ctrl *Controller
}

// New returns an HTTPSession in StateRecvRequest, not yet registered with
// any Controller.
func New(fd int, cfg *config.ServerConfig, uploadTemp, listenHost string, listenPort int, remoteAddr string, log *logrus.Entry) *HTTPSession {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &HTTPSession{
		fd:             fd,
		cfg:            cfg,
		uploadTemp:     uploadTemp,
		listenHost:     listenHost,
		listenPort:     listenPort,
		remoteAddr:     remoteAddr,
		recv:           ioqueue.New(),
		send:           ioqueue.New(),
		state:          StateRecvRequest,
		extraReadFD:    -1,
		lastActive:     time.Now(),
		timeoutSeconds: defaultTimeoutSeconds,
		proc:           processor.New(),
		log:            log,
	}
	s.resetParser()
	return s
}

func (s *HTTPSession) resetParser() {
	s.parser = httpparse.New(httpparse.DefaultLimits(), bodySink{s})
}

// bodySink lazily creates a BodyStore the first time the parser writes a
// body byte, so a bodyless request never touches disk.
type bodySink struct{ s *HTTPSession }

func (d bodySink) Write(p []byte) (int, error) {
	if d.s.store == nil {
		store, err := bodystore.New(d.s.uploadTemp)
		if err != nil {
			return 0, err
		}
		d.s.store = store
	}
	return d.s.store.Write(p)
}

// FD is the client-facing fd this session was constructed with.
func (s *HTTPSession) FD() int { return s.fd }

// State reports the current lifecycle state.
func (s *HTTPSession) State() State { return s.state }

func (s *HTTPSession) touch() { s.lastActive = time.Now() }

// IdleFor reports how long since the session last made progress.
func (s *HTTPSession) IdleFor() time.Duration { return time.Since(s.lastActive) }

// TimeoutSeconds is this session's configured idle bound.
func (s *HTTPSession) TimeoutSeconds() int { return s.timeoutSeconds }

// HandleClientReadable implements spec.md §4.10's receive side.
func (s *HTTPSession) HandleClientReadable() {
	s.touch()
	switch s.state {
	case StateRecvRequest:
		s.consumeRecv()
		for s.state == StateRecvRequest && s.recv.Len() < httpparse.DefaultLimits().MaxHeaderBytes {
			n := s.recv.FillFromFD(s.fd)
			if n == 0 {
				s.onPeerClose()
				return
			}
			if n < 0 {
				return
			}
			s.consumeRecv()
		}
	default:
		// Readable on the client fd while not awaiting a request: a
		// zero-byte read means the peer closed, and the session closes at
		// once; a byte that did arrive is kept in recv for the next request.
		var probe [1]byte
		n, err := syscall.Read(s.fd, probe[:])
		if n == 0 && err == nil {
			s.onPeerClose()
		} else if n > 0 {
			s.recv.Append(probe[:n])
		}
	}
}

func (s *HTTPSession) consumeRecv() {
	for s.recv.Len() > 0 {
		n, _ := s.parser.Feed(s.recv.Bytes())
		if n > 0 {
			s.recv.Consume(n)
		}
		req := s.parser.Request()
		if req.Phase == httpmsg.PhaseError {
			s.respondStatus(req, s.parser.Err().Status)
			return
		}
		if req.Phase == httpmsg.PhaseComplete {
			s.onRequestComplete()
			return
		}
		if n == 0 {
			return // parser made no progress; wait for more bytes
		}
	}
}

func (s *HTTPSession) onPeerClose() {
	s.peerClosed = true
	if s.cgiSess != nil {
		s.teardownCGI()
	}
	s.state = StateCloseWait
	if s.ctrl != nil {
		s.ctrl.RequestDelete(s)
	}
}

func (s *HTTPSession) onRequestComplete() {
	req := s.parser.Request()
	req.ListenHost = s.listenHost
	req.ListenPort = s.listenPort
	req.RemoteAddr = s.remoteAddr
	s.redirectCount = 0
	s.ov = processor.Override{}
	s.dispatch(req)
}

// dispatch implements the router+redirect-internal loop of spec.md §4.7
// step 5 / §4.8: follow redirect-internal actions (whether produced by the
// router's error-page promotion or, later, by a CGI local-redirect) up to
// maxInternalRedirects, then execute the resulting terminal action.
func (s *HTTPSession) dispatch(req *httpmsg.Request) {
	routing := router.Route(req, s.cfg)

	if routing.HasPreservedStatus && !s.ov.Active {
		s.ov = processor.Override{Status: routing.PreservedErrorStatus, Active: true}
	}

	if routing.Action == router.ActionRedirectInternal {
		if s.redirectCount >= maxInternalRedirects {
			s.respondStatus(req, httpstatus.StatusInternalServerError)
			return
		}
		s.redirectCount++
		s.dispatch(httpmsg.NewInternalRedirect(req, routing.RedirectTarget))
		return
	}

	s.activeReq = req
	s.activeRouting = routing

	if req.Method == httpmsg.MethodDELETE && routing.Action == router.ActionServeStatic {
		s.respond(req, s.proc.HandleDelete(routing, req), nil)
		return
	}

	switch routing.Action {
	case router.ActionStoreBody:
		s.respond(req, s.proc.FinalizeUpload(routing, req, s.store), nil)
	case router.ActionRunCGI:
		s.startCGI(routing, req)
	default:
		resp, src, _ := s.proc.Handle(routing, req, s.ov)
		s.respond(req, resp, src)
	}
}

// respondStatus builds a minimal error response via the processor's own
// builtin error body, used for failures that never reached a routing
// decision (parse errors) or that abandon one mid-flight (redirect-cap,
// CGI failure).
func (s *HTTPSession) respondStatus(req *httpmsg.Request, status httpstatus.Code) {
	routing := &router.LocationRouting{Action: router.ActionRespondError, ErrorStatus: status}
	if s.activeRouting != nil {
		routing.Server = s.activeRouting.Server
		routing.Location = s.activeRouting.Location
	}
	resp, _, _ := s.proc.Handle(routing, req, processor.Override{})
	s.respond(req, resp, nil)
}

// respond primes the encoder/writer for resp and transitions to
// send-response, per spec.md §4.6/§4.10. src may be nil for a bodyless
// response.
func (s *HTTPSession) respond(req *httpmsg.Request, resp *httpmsg.Response, src bodysrc.Source) {
	isHead := req.Method == httpmsg.MethodHEAD
	framing := respenc.Decide(req, resp, isHead, s.peerClosed)
	declared := resp.ExpectedContentLength
	if declared < 0 {
		declared = 0
	}
	encoder := respenc.New(framing, declared)
	s.writer = respwriter.New(encoder, src)
	s.writer.PrimeHeader(respenc.EncodeHeader(resp), s.send)
	s.wantClose = resp.Header.Get("Connection") == "close"
	s.resp = resp
	s.state = StateSendResponse
	if s.ctrl != nil {
		s.ctrl.met.RecordStatus(strconv.Itoa(int(resp.Status)))
		s.ctrl.onEnterSendResponse(s)
	}
}

// HandleClientWritable implements spec.md §4.10's send side and also
// drives a CGI-backed body source once it has been released: both paths
// end up pumping the same Writer into the same send buffer.
func (s *HTTPSession) HandleClientWritable() {
	s.touch()
	if s.state != StateSendResponse {
		return
	}
	if s.send.Len() == 0 {
		result, closeAfter := s.writer.Pump(s.send)
		if closeAfter {
			s.wantClose = true
		}
		if result == respwriter.Done && s.send.Len() == 0 {
			s.completeResponse()
			return
		}
	}
	s.send.FlushToFD(s.fd)
}

func (s *HTTPSession) completeResponse() {
	s.releaseExtraReadWatch()
	if s.ctrl != nil {
		s.ctrl.onLeaveSendResponse(s)
	}
	if s.wantClose || s.peerClosed {
		s.state = StateCloseWait
		if s.ctrl != nil {
			s.ctrl.RequestDelete(s)
		}
		return
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	s.resp = nil
	s.writer = nil
	s.activeReq = nil
	s.activeRouting = nil
	s.resetParser()
	s.state = StateRecvRequest
	if s.recv.Len() > 0 {
		s.consumeRecv()
	}
}

func (s *HTTPSession) releaseExtraReadWatch() {
	if s.extraReadFD < 0 {
		return
	}
	if s.ctrl != nil {
		s.ctrl.unwatchExtra(s.extraReadFD)
	}
	s.extraReadFD = -1
}

// Close releases every resource this session still owns: the CGI child (if
// any), the upload temp file, and the client fd.
func (s *HTTPSession) Close() {
	if s.cgiSess != nil {
		s.teardownCGI()
	}
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	syscall.Close(s.fd)
}

// --- CGI execution (spec.md §4.11) ---

func effectiveRoot(routing *router.LocationRouting) string {
	if routing.Location != nil && routing.Location.HasRoot {
		return routing.Location.Root
	}
	return routing.Server.Root
}

func (s *HTTPSession) startCGI(routing *router.LocationRouting, req *httpmsg.Request) {
	meta := cgi.Meta{
		ScriptFilename: path.Join(effectiveRoot(routing), routing.ScriptPath),
		ScriptName:     routing.ScriptPath,
		PathInfo:       routing.PathInfo,
		ServerName:     req.Host(),
		ServerPort:     s.listenPort,
		ServerSoftware: "go-webserv",
		Interpreter:    routing.Interpreter,
	}
	env := cgi.BuildEnv(req, meta)

	var bodyFD *os.File
	if s.store != nil {
		if f, err := s.store.ReopenForRead(); err == nil {
			bodyFD = f
		}
	}

	sess, err := cgi.New(routing.Interpreter, meta.ScriptFilename, env, bodyFD, s.log)
	if err != nil {
		s.respondStatus(req, httpstatus.StatusBadGateway)
		return
	}

	s.cgiSess = sess
	s.cgiHeadersDone = false
	s.state = StateExecuteCGI
	if s.ctrl != nil {
		if s.ctrl.met != nil {
			s.ctrl.met.CGISpawnedTotal.Inc()
		}
		s.ctrl.onEnterCGI(s, sess)
	}
}

func (s *HTTPSession) handleCGIStdinWritable() {
	if s.cgiSess == nil {
		return
	}
	fd := s.cgiSess.StdinFD()
	closed, err := s.cgiSess.RefillStdin()
	if err != nil {
		s.respondStatus(s.activeReq, httpstatus.StatusBadGateway)
		return
	}
	if closed && fd >= 0 && s.ctrl != nil {
		s.ctrl.unwatchCGI(fd, false)
	}
}

func (s *HTTPSession) handleCGIStderrReadable() {
	if s.cgiSess == nil {
		return
	}
	if eof := s.cgiSess.ReadStderr(); eof && s.ctrl != nil {
		s.ctrl.unwatchCGI(s.cgiSess.StderrFD(), false)
	}
}

func (s *HTTPSession) handleCGIStdoutReadable() {
	if s.cgiSess == nil {
		return
	}
	if s.cgiHeadersDone {
		s.HandleClientWritable()
		return
	}

	parsed, done, err := s.cgiSess.ReadStdout()
	if err != nil {
		s.respondStatus(s.activeReq, httpstatus.StatusBadGateway)
		return
	}
	if !done {
		return
	}
	s.cgiHeadersDone = true
	s.onCGIHeaders(parsed)
}

// onCGIHeaders implements RFC 3875 §6.2's four-way classification, per
// spec.md §4.11: a local redirect re-enters the redirect-internal chain; a
// document (or client redirect that still carries one) becomes the
// response body; a bare client redirect passes the Location straight
// through.
func (s *HTTPSession) onCGIHeaders(parsed cgi.ParsedResponse) {
	req := s.activeReq
	stdoutFD := s.cgiSess.StdoutFD()

	if parsed.Kind == cgi.KindLocalRedirect {
		s.teardownCGI()
		if s.redirectCount >= maxInternalRedirects {
			s.respondStatus(req, httpstatus.StatusInternalServerError)
			return
		}
		s.redirectCount++
		s.dispatch(httpmsg.NewInternalRedirect(req, parsed.Location))
		return
	}

	resp := httpmsg.NewResponse(req.ProtoMinor)
	status := parsed.Status
	if status == 0 {
		if parsed.Kind == cgi.KindClientRedirect || parsed.Kind == cgi.KindClientRedirectWithDocument {
			status = 302
		} else {
			status = 200
		}
	}
	resp.SetStatus(httpstatus.Code(status))
	mergeHeaders(resp.Header, parsed.Header)
	respenc.StripHopByHop(resp.Header)
	if parsed.Location != "" {
		resp.Header.Set("Location", parsed.Location)
	}

	prefix := s.cgiSess.Prefix()
	stdoutFile := s.cgiSess.Release()
	s.teardownCGI()

	var src bodysrc.Source
	if req.Method == httpmsg.MethodHEAD || stdoutFile == nil {
		if stdoutFile != nil {
			stdoutFile.Close()
		}
	} else {
		src = newPinnedCGISource(stdoutFile, prefix)
		if s.ctrl != nil {
			s.extraReadFD = stdoutFD
			s.ctrl.watchExtra(stdoutFD, s)
		}
	}
	s.respond(req, resp, src)
}

func mergeHeaders(dst, src *httpmsg.Header) {
	for _, name := range src.Names() {
		for _, v := range src.Values(name) {
			dst.Add(name, v)
		}
	}
}

// teardownCGI unregisters every fd the current CGI session still owns and
// releases it. Safe to call once headers were never reached or after
// Release() already took the stdout fd.
func (s *HTTPSession) teardownCGI() {
	if s.cgiSess == nil {
		return
	}
	if s.ctrl != nil {
		s.ctrl.unwatchCGI(s.cgiSess.StdinFD(), true)
		s.ctrl.unwatchCGI(s.cgiSess.StdoutFD(), true)
		s.ctrl.unwatchCGI(s.cgiSess.StderrFD(), true)
	}
	s.cgiSess.Close()
	s.cgiSess = nil
}

// checkCGIDeadline is invoked by the Controller's timeout sweep; it
// implements spec.md §4.11's first-body-byte timeout.
func (s *HTTPSession) checkCGIDeadline() {
	if s.cgiSess == nil || s.cgiHeadersDone {
		return
	}
	if s.cgiSess.FirstByteDeadlineExpired() {
		s.teardownCGI()
		s.respondStatus(s.activeReq, httpstatus.StatusGatewayTimeout)
	}
}

func (s *HTTPSession) onTimeout() {
	switch s.state {
	case StateExecuteCGI:
		s.checkCGIDeadline()
		if s.state == StateExecuteCGI {
			s.teardownCGI()
			s.onPeerClose()
		}
	default:
		s.onPeerClose()
	}
}
