package net

import (
	"slices"

	"github.com/lcx/asura-transport/metrics"
)

// DispatcherFilterHandleFunc defines the function signature for filter chain handlers.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter defines a filter (interceptor) function that can be inserted
// into the dispatcher processing pipeline. A filter either calls f to continue
// or returns to stop the message.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain represents a chain of filters that process messages
// sequentially in a pipeline pattern.
type DispatcherFilterChain []DispatcherFilter

// Handle processes a message through the entire filter chain using recursion.
// If the chain is empty, it directly calls the provided final handler function.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// reloadMsgFilterCfg replaces the set of filtered message ids.
func (d *Dispatcher) reloadMsgFilterCfg(ids []uint16) {
	m := make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	d.msgFilterMap.Store(&m)
}

// msgFilter drops filtered ids before they reach a handler. A filtered request
// that has a registered reply id still gets an empty reply so the caller's RPC
// does not wait for its timeout.
func (d *Dispatcher) msgFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	filtered := *d.msgFilterMap.Load()
	if _, ok := filtered[dd.MsgID]; !ok {
		return f(dd)
	}
	metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "filtered_total", 1)
	if dd.Info == nil || !dd.Info.IsReq() || !dd.IsRequest() {
		return nil
	}
	return d.Response(dd.Channel, dd.Info.ResID, dd.RpcID, nil)
}

// filteredIDs lists the currently filtered ids, sorted.
func (d *Dispatcher) filteredIDs() []uint16 {
	filtered := *d.msgFilterMap.Load()
	ids := make([]uint16, 0, len(filtered))
	for id := range filtered {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
