// Package runevents defines the structured events emitted by the run
// orchestration core and the sink they are delivered to.
//
// Every event carries exactly one payload type. The payload set is closed:
// only types declared in this package satisfy [Payload], and each payload
// maps to a single [Type] tag.
//
// Transport is not owned here. Hosts inject a [Broadcaster] (for example the
// in-process [Bus] or the gateway's WebSocket broadcaster) into the
// components that emit.
//
// Usage:
//
//	bus := runevents.NewBus()
//	bus.On(runevents.TypeRunCompleted, func(e runevents.Event) {
//		fmt.Println("done:", e.RunID)
//	})
//	agg := runstate.NewAggregator(runstate.WithBroadcaster(bus))
package runevents
