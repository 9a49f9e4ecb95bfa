package simulator

import (
	"sync/atomic"

	"evsim/internal"
	"evsim/metrics/counters"
)

// eventFanout delivers every event to all registered listeners in order.
// It also maintains the active-transactions gauge from the start/stop flow.
type eventFanout struct {
	listeners    []internal.EventHandler
	transactions atomic.Int64
}

func newEventFanout() *eventFanout {
	return &eventFanout{}
}

func (f *eventFanout) AddListener(handler internal.EventHandler) {
	if handler == nil {
		return
	}
	f.listeners = append(f.listeners, handler)
}

func (f *eventFanout) OnSessionUpdate(event *internal.EventMessage) {
	event.Type = "session_update"
	for _, listener := range f.listeners {
		listener.OnSessionUpdate(event)
	}
}

func (f *eventFanout) OnTransactionStart(event *internal.EventMessage) {
	event.Type = "transaction_start"
	counters.ObserveTransactions(int(f.transactions.Add(1)))
	for _, listener := range f.listeners {
		listener.OnTransactionStart(event)
	}
}

func (f *eventFanout) OnTransactionStop(event *internal.EventMessage) {
	event.Type = "transaction_stop"
	count := f.transactions.Add(-1)
	if count < 0 {
		f.transactions.Store(0)
		count = 0
	}
	counters.ObserveTransactions(int(count))
	for _, listener := range f.listeners {
		listener.OnTransactionStop(event)
	}
}

func (f *eventFanout) OnFault(event *internal.EventMessage) {
	event.Type = "fault"
	for _, listener := range f.listeners {
		listener.OnFault(event)
	}
}
