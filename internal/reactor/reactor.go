// Package reactor implements spec.md §4.1's OS-readiness demultiplexer
// over Linux epoll, via golang.org/x/sys/unix — the same facility the
// pack's own socket experiments (Ankit-Kulkarni-go-experiments/webs,
// rclone) pull in transitively through gin/fuse rather than hand-rolling a
// cgo syscall wrapper.
package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Direction is the watch direction, per spec.md §4.1.
type Direction int

const (
	Read Direction = iota
	Write
)

// EventKind tags a ready event, per spec.md §4.1's "read, write, error,
// timeout".
type EventKind int

const (
	EventRead EventKind = iota
	EventWrite
	EventErr
	EventTimeout
)

// ErrAlreadyWatched is returned by AddWatch when the (fd, direction) pair
// is already live, per spec.md §4.1: "fails with already-watched if the
// (fd, direction) pair is live."
var ErrAlreadyWatched = errors.New("reactor: fd/direction already watched")

// SessionRef is an opaque handle the reactor carries alongside each event
// so the controller can recover the owning session without a map lookup
// per event. It is supplied by the caller at AddWatch time and is never
// interpreted by the reactor itself.
type SessionRef interface{}

// Event is one ready notification from Wait.
type Event struct {
	FD         int
	Kind       EventKind
	Session    SessionRef
	PeerClosed bool // derived from EPOLLRDHUP / EPOLLHUP
}

// watchState tracks, per fd, which directions are currently registered and
// the session reference to attach to events for that fd.
type watchState struct {
	session     SessionRef
	wantRead    bool
	wantWrite   bool
}

// Reactor is a level-triggered epoll wrapper implementing the add/remove/
// delete/wait contract of spec.md §4.1.
type Reactor struct {
	epfd    int
	watches map[int]*watchState
}

// New creates a new epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: epfd, watches: make(map[int]*watchState)}, nil
}

// Close releases the epoll fd. The reactor does not own any of the
// watched fds themselves — those belong to sessions, per spec.md §3's
// invariant that every fd has exactly one owning session.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

func epollEvents(w *watchState) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if w.wantRead {
		ev |= unix.EPOLLIN
	}
	if w.wantWrite {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// AddWatch registers fd for direction, owned by session. Returns
// ErrAlreadyWatched if that exact (fd, direction) pair is already live.
func (r *Reactor) AddWatch(fd int, dir Direction, session SessionRef) error {
	w, exists := r.watches[fd]
	if !exists {
		w = &watchState{session: session}
	}
	if dir == Read && w.wantRead {
		return ErrAlreadyWatched
	}
	if dir == Write && w.wantWrite {
		return ErrAlreadyWatched
	}

	op := unix.EPOLL_CTL_MOD
	if !exists {
		op = unix.EPOLL_CTL_ADD
	}

	switch dir {
	case Read:
		w.wantRead = true
	case Write:
		w.wantWrite = true
	}
	w.session = session

	event := &unix.EpollEvent{Events: epollEvents(w), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, event); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	r.watches[fd] = w
	return nil
}

// RemoveWatch unregisters fd for direction only; idempotent, per
// spec.md §4.1.
func (r *Reactor) RemoveWatch(fd int, dir Direction) error {
	w, ok := r.watches[fd]
	if !ok {
		return nil
	}
	switch dir {
	case Read:
		w.wantRead = false
	case Write:
		w.wantWrite = false
	}
	if !w.wantRead && !w.wantWrite {
		delete(r.watches, fd)
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return nil
	}
	event := &unix.EpollEvent{Events: epollEvents(w), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, event); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// DeleteWatch removes all directions for fd; used as a cleanup primitive
// by the controller when a session is destroyed.
func (r *Reactor) DeleteWatch(fd int) error {
	if _, ok := r.watches[fd]; !ok {
		return nil
	}
	delete(r.watches, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// maxEventsPerWait bounds a single epoll_wait batch; additional ready fds
// are reported on the next Wait call.
const maxEventsPerWait = 256

// Wait blocks for up to timeoutMs (0 = non-blocking poll, -1 = block
// forever) and returns the ready batch in the order epoll_wait returned
// them, per spec.md §4.1. A synthetic timeout Event is never produced
// here — that is the controller's responsibility between batches.
func (r *Reactor) Wait(timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, maxEventsPerWait)
	n, err := unix.EpollWait(r.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		re := raw[i]
		fd := int(re.Fd)
		w, ok := r.watches[fd]
		if !ok {
			continue // watch was removed after epoll_wait returned but before we drained it
		}
		peerClosed := re.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0

		if re.Events&unix.EPOLLERR != 0 {
			events = append(events, Event{FD: fd, Kind: EventErr, Session: w.session, PeerClosed: peerClosed})
			continue
		}
		if re.Events&unix.EPOLLIN != 0 {
			events = append(events, Event{FD: fd, Kind: EventRead, Session: w.session, PeerClosed: peerClosed})
		}
		if re.Events&unix.EPOLLOUT != 0 {
			events = append(events, Event{FD: fd, Kind: EventWrite, Session: w.session, PeerClosed: peerClosed})
		}
		if peerClosed && re.Events&(unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLERR) == 0 {
			// Pure half-close notification with no read/write readiness bit:
			// still surface it so the session can react to peer-close.
			events = append(events, Event{FD: fd, Kind: EventRead, Session: w.session, PeerClosed: true})
		}
	}
	return events, nil
}
