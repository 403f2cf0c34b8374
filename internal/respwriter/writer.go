// Package respwriter implements spec.md §4.6's Response Writer: it pumps
// body data from a bodysrc.Source through a respenc.Encoder into a
// session's send buffer, one chunk per call, until enough is queued or the
// source runs dry.
package respwriter

import (
	"github.com/kztakada/go-webserv/internal/bodysrc"
	"github.com/kztakada/go-webserv/internal/ioqueue"
	"github.com/kztakada/go-webserv/internal/respenc"
)

// PumpResult is Pump's outcome, per spec.md §4.6.
type PumpResult int

const (
	NeedMore PumpResult = iota
	Done
)

// readChunkSize is how much the writer asks the source for per pump,
// matching the I/O buffer's own chunking unit so one pump call moves a
// bounded, predictable amount of memory.
const readChunkSize = 4096

// Writer owns the encoder and (optionally) the body source for one
// response.
type Writer struct {
	encoder *respenc.Encoder
	source  bodysrc.Source // nil for a response with no body (framing NoBody or zero-length)

	headerSent bool
	eofWritten bool
	closeAfter bool
}

// New returns a Writer for encoder/source. source may be nil when the
// response body is empty (spec.md §4.4's no-body framing, or a
// zero-length redirect/error body already fully represented by the
// header).
func New(encoder *respenc.Encoder, source bodysrc.Source) *Writer {
	return &Writer{encoder: encoder, source: source}
}

// PrimeHeader appends the encoded status-line+headers to send once, before
// any body pumping. Callers invoke this the first time they transition
// into send-response.
func (w *Writer) PrimeHeader(headerBytes []byte, send *ioqueue.Buffer) {
	if w.headerSent {
		return
	}
	send.Append(headerBytes)
	w.headerSent = true
}

// Pump reads one chunk from the source (if any), encodes it, and appends
// it to send. It returns Done once the source is exhausted and the
// terminating sequence (if any) has been written, along with whether the
// connection should close afterward (set when fixed-length framing failed
// to match its declared length — spec.md §4.4's enforcement at EOF).
func (w *Writer) Pump(send *ioqueue.Buffer) (PumpResult, bool) {
	if w.eofWritten {
		return Done, w.closeAfter
	}
	if w.source == nil {
		return w.writeEOF(send)
	}

	result, err := w.source.Read(readChunkSize)
	if err != nil {
		// Unrecoverable read failure mid-response: force termination and
		// close, per spec.md §7's propagation policy for a flushed
		// response.
		w.closeAfter = true
		return w.writeEOF(send)
	}
	if result.WouldBlock {
		return NeedMore, false
	}
	if result.EOF {
		return w.writeEOF(send)
	}
	if len(result.Data) > 0 {
		send.Append(w.encoder.EncodeBodyChunk(result.Data))
	}
	return NeedMore, false
}

// WriteEOF forces termination: it emits the terminating chunk in chunked
// mode and nothing otherwise, per spec.md §4.6, used on mid-response
// errors where the source can no longer be consulted.
func (w *Writer) WriteEOF(send *ioqueue.Buffer) {
	if w.eofWritten {
		return
	}
	w.writeEOF(send)
}

func (w *Writer) writeEOF(send *ioqueue.Buffer) (PumpResult, bool) {
	eof, mismatch := w.encoder.EncodeEOF()
	if len(eof) > 0 {
		send.Append(eof)
	}
	if mismatch {
		w.closeAfter = true
	}
	w.eofWritten = true
	if w.source != nil {
		_ = w.source.Close()
	}
	return Done, w.closeAfter
}
