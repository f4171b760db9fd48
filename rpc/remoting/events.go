package remoting

import (
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dRemoting/lib/util"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/sourcegraph/conc/panics"
)

// maxQueuedEvents bounds the events waiting for the listener
const maxQueuedEvents = 10000

// EventType is the kind of connection lifecycle event
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventClose
	EventException
	EventIdle
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "CONNECT"
	case EventDisconnect:
		return "DISCONNECT"
	case EventClose:
		return "CLOSE"
	case EventException:
		return "EXCEPTION"
	case EventIdle:
		return "IDLE"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// eventTypeOf maps a transport signal to its event type
func eventTypeOf(sig transport.SignalType) EventType {
	switch sig {
	case transport.SignalConnect:
		return EventConnect
	case transport.SignalDisconnect:
		return EventDisconnect
	case transport.SignalClose:
		return EventClose
	case transport.SignalIdle:
		return EventIdle
	default:
		return EventException
	}
}

// Event is a connection lifecycle event delivered to the EventListener
type Event struct {
	Type       EventType
	RemoteAddr string
	Conn       transport.IConnection
	Err        error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Type, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Type, e.RemoteAddr)
}

// EventListener receives the lifecycle events of all connections of a client.
// It is called from a single goroutine in the order the events were raised.
type EventListener func(event Event)

// eventNotifier hands events to the listener on a dedicated goroutine
type eventNotifier struct {
	listener EventListener
	queue    *util.LockFreeMPSC[Event]
	done     chan struct{}
	once     sync.Once
}

func newEventNotifier(listener EventListener) *eventNotifier {
	return &eventNotifier{
		listener: listener,
		queue:    util.NewBoundedMPSC[Event](maxQueuedEvents),
		done:     make(chan struct{}),
	}
}

// start launches the consumer goroutine
func (n *eventNotifier) start() {
	n.once.Do(func() {
		go n.run()
	})
}

// put queues the event. Events are dropped if the notifier is stopped or the queue is full.
func (n *eventNotifier) put(event Event) {
	if !n.queue.Push(&event) {
		if n.queue.IsClosed() {
			Logger.Debugf("Event notifier stopped, dropped event %s", event)
		} else {
			Logger.Warningf("Event queue full (%d), dropped event %s", maxQueuedEvents, event)
		}
	}
}

// shutdown stops accepting events and waits up to timeout for the queued ones to be delivered
func (n *eventNotifier) shutdown(timeout time.Duration) {
	n.queue.Close()
	n.start() // drains the queue even if never started
	select {
	case <-n.done:
	case <-time.After(timeout):
		Logger.Warningf("Event listener did not finish within %s", timeout)
	}
}

func (n *eventNotifier) run() {
	defer close(n.done)
	for event := range n.queue.Recv() {
		var pc panics.Catcher
		pc.Try(func() { n.listener(*event) })
		if r := pc.Recovered(); r != nil {
			Logger.Errorf("Event listener panicked on %s: %v", event, r.Value)
		}
	}
}
