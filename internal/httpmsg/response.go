package httpmsg

import "github.com/kztakada/go-webserv/internal/httpstatus"

// ResponsePhase is the response lifecycle of spec.md §3: headers are
// editable only while awaiting-headers.
type ResponsePhase int

const (
	PhaseAwaitingHeaders ResponsePhase = iota
	PhaseHeadersFlushed
	PhaseResponseComplete
	PhaseResponseError
)

// Response is the outgoing message the processor/CGI subsystem build and
// the encoder consumes. ExpectedContentLength mirrors the Content-Length
// header exactly when one is set numerically, per the invariant in
// spec.md §3.
type Response struct {
	Status     httpstatus.Code
	Reason     string // empty means use Status.Reason()
	ProtoMinor int    // echoed from the request

	Header *Header

	ExpectedContentLength int64 // -1 when unknown/unset
	Phase                 ResponsePhase
}

// NewResponse returns a Response in PhaseAwaitingHeaders for protoMinor,
// defaulting to 200 OK with no declared length.
func NewResponse(protoMinor int) *Response {
	return &Response{
		Status:                httpstatus.StatusOK,
		ProtoMinor:            protoMinor,
		Header:                NewHeader(),
		ExpectedContentLength: -1,
		Phase:                 PhaseAwaitingHeaders,
	}
}

// SetStatus sets the status code, only valid while awaiting headers.
func (r *Response) SetStatus(status httpstatus.Code) {
	if r.Phase != PhaseAwaitingHeaders {
		return
	}
	r.Status = status
}

// SetContentLength sets both the Content-Length header and the mirrored
// ExpectedContentLength field, keeping the invariant in spec.md §3 true by
// construction rather than by separate validation.
func (r *Response) SetContentLength(n int64) {
	if r.Phase != PhaseAwaitingHeaders {
		return
	}
	r.ExpectedContentLength = n
	r.Header.Set("Content-Length", itoa(n))
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (r *Response) ReasonPhrase() string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Status.Reason()
}
