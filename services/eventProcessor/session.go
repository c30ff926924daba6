package eventprocessor

import (
	"sync"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
)

// State of one subscription entry.
type State int

const (
	StatePending State = iota // integration start not yet acknowledged
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "pending"
}

type entry struct {
	seq   uint64
	state State
	// remote entries are produced by another node and reach this one over
	// the data bus; the integration never saw their start.
	remote   bool
	adopting bool
}

type session struct {
	clientID common.ClientID
	lock     sync.Mutex
	closed   bool
	entries  map[ds.SubscriptionKey]*entry
	mailbox  *mailbox
}

func newSession(clientID common.ClientID) *session {
	return &session{
		clientID: clientID,
		entries:  make(map[ds.SubscriptionKey]*entry),
		mailbox:  newMailbox(),
	}
}

// mailbox is the unbounded, ordered queue of integration calls of one session.
// A single goroutine runs it, so calls for a session never overlap or reorder.
// push never blocks and may be called with the session lock held.
type mailbox struct {
	lock   sync.Mutex
	ops    []func()
	wake   chan struct{}
	closed bool
	// done is closed when run returns.
	done chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *mailbox) push(op func()) bool {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return false
	}
	m.ops = append(m.ops, op)
	m.lock.Unlock()
	m.signal()
	return true
}

// close lets run return once every queued op has executed.
func (m *mailbox) close() {
	m.lock.Lock()
	m.closed = true
	m.lock.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.lock.Lock()
		if len(m.ops) == 0 {
			closed := m.closed
			m.lock.Unlock()
			if closed {
				return
			}
			<-m.wake
			continue
		}
		op := m.ops[0]
		m.ops[0] = nil
		m.ops = m.ops[1:]
		m.lock.Unlock()
		op()
	}
}
