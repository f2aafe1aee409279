package watcher

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/pdubroy/fswatcher/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrProxyClosed    = errors.New("proxy is closed")
	ErrInvalidMessage = errors.New("invalid message")
)

type MessageKind int

const (
	// Requests
	GetIndexSize MessageKind = iota + 1
	Stop

	// Replies
	IndexSize
	Stopped

	// Sent whenever changes were found
	Changes
)

func (k MessageKind) String() string {
	switch k {
	case GetIndexSize:
		return "GET_INDEX_SIZE"
	case Stop:
		return "STOP"
	case IndexSize:
		return "INDEX_SIZE"
	case Stopped:
		return "STOPPED"
	case Changes:
		return "CHANGES"
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

type Message struct {
	Kind MessageKind

	// Set for IndexSize
	IndexSize int
	// Set for Changes
	Changes []models.ChangeRecord
	// Set for Stopped if the loop ended with an error
	Err error
}

const (
	requestBuffer = 16
	messageBuffer = 64
)

// Proxy controls a Watcher running on its own goroutine. Requests go out with
// Send, replies and changes come back through Recv. Callers are expected to
// keep receiving until Stopped arrives.
type Proxy struct {
	requests chan Message
	messages chan Message
	waker    waker
	done     chan struct{}
}

type handshake struct {
	waker waker
	err   error
}

// WatchConcurrently opens a Watcher for paths on a dedicated goroutine and
// returns once it is ready to receive requests.
func WatchConcurrently(paths []string, opts Options) (*Proxy, error) {
	p := &Proxy{
		requests: make(chan Message, requestBuffer),
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
	}

	ready := make(chan handshake, 1)
	go p.serve(paths, opts, ready)

	hs := <-ready
	if hs.err != nil {
		return nil, hs.err
	}
	p.waker = hs.waker

	return p, nil
}

// Send queues a request and wakes the watcher loop.
func (p *Proxy) Send(m Message) error {
	if m.Kind != GetIndexSize && m.Kind != Stop {
		return fmt.Errorf("%w: cannot send %s", ErrInvalidMessage, m.Kind)
	}

	select {
	case <-p.done:
		return ErrProxyClosed
	default:
	}

	select {
	case p.requests <- m:
	case <-p.done:
		return ErrProxyClosed
	}

	return p.waker.wake()
}

// Recv returns the next message. Once Stopped was received and no messages
// are left it returns ErrProxyClosed.
func (p *Proxy) Recv() (Message, error) {
	m, ok := <-p.messages
	if !ok {
		return Message{}, ErrProxyClosed
	}
	p.received()
	return m, nil
}

// RecvTimeout is Recv giving up after timeout. ok is false on timeout.
func (p *Proxy) RecvTimeout(timeout time.Duration) (m Message, ok bool, err error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case m, open := <-p.messages:
		if !open {
			return Message{}, false, ErrProxyClosed
		}
		p.received()
		return m, true, nil
	case <-t.C:
		return Message{}, false, nil
	}
}

// received wakes the loop so changes held back by a full duct are sent
// as soon as there is room again.
func (p *Proxy) received() {
	select {
	case <-p.done:
		return
	default:
	}

	if err := p.waker.wake(); err != nil {
		log.Debug().Err(err).Msg("failed to wake watcher")
	}
}

// IndexSize asks for the current index size. Changes received while waiting
// for the reply are discarded.
func (p *Proxy) IndexSize() (int, error) {
	if err := p.Send(Message{Kind: GetIndexSize}); err != nil {
		return 0, err
	}

	for {
		m, err := p.Recv()
		if err != nil {
			return 0, err
		}

		switch m.Kind {
		case IndexSize:
			return m.IndexSize, nil
		case Stopped:
			return 0, ErrProxyClosed
		}
	}
}

// Stop ends the watcher loop and waits until it is torn down. Changes
// received while waiting are discarded.
func (p *Proxy) Stop() error {
	if err := p.Send(Message{Kind: Stop}); err != nil {
		return err
	}

	for {
		m, err := p.Recv()
		if err != nil {
			return err
		}

		if m.Kind == Stopped {
			return m.Err
		}
	}
}

// proxyServer is the part of the proxy living on the watcher goroutine.
type proxyServer struct {
	p       *Proxy
	w       *Watcher
	outbox  []models.ChangeRecord
	stopped bool
}

func (p *Proxy) serve(paths []string, opts Options, ready chan<- handshake) {
	// Some platforms tie notification primitives to the thread that created
	// them.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w, err := Open(paths, opts)
	if err != nil {
		ready <- handshake{err: err}
		return
	}

	s := &proxyServer{p: p, w: w}
	w.beforeWait = s.poll

	ready <- handshake{waker: w.src}

	err = s.loop()
	if err != nil {
		log.Error().Caller().Err(err).Msg("watcher loop failed")
	}

	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}

	close(p.done)

	if len(s.outbox) > 0 {
		p.messages <- Message{Kind: Changes, Changes: s.outbox}
	}
	p.messages <- Message{Kind: Stopped, Err: err}
	close(p.messages)
}

func (s *proxyServer) loop() error {
	for !s.stopped {
		it := s.w.GetChanges(0)
		for it.Next() {
			s.outbox = append(s.outbox, it.Change())
		}

		if err := it.Err(); err != nil {
			return err
		}
	}
	return nil
}

// poll runs before every wait of the loop.
func (s *proxyServer) poll() {
	s.flush()

	for {
		select {
		case m := <-s.p.requests:
			s.handle(m)
		default:
			return
		}
	}
}

func (s *proxyServer) handle(m Message) {
	switch m.Kind {
	case GetIndexSize:
		s.p.messages <- Message{Kind: IndexSize, IndexSize: s.w.IndexSize()}
	case Stop:
		s.stopped = true
		s.w.StopWatching()
	}
}

// flush hands the collected changes over without blocking. Whatever cannot be
// sent now is retried before the next wait, which Recv triggers by waking
// the loop.
func (s *proxyServer) flush() {
	if len(s.outbox) == 0 {
		return
	}

	select {
	case s.p.messages <- Message{Kind: Changes, Changes: s.outbox}:
		s.outbox = nil
	default:
	}
}
