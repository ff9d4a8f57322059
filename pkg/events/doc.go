/*
Package events provides an in-process publish/subscribe broker for scheduler
events.

The reconciler publishes group transitions, worker lifecycle changes and
scheduling errors; the manager publishes task assignments. Subscribers include
the manager itself, which records degraded reasons, and the controller's log
sink.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.JobID, ev.Message)
		}
	}()

Publish never blocks. Events are dropped when the broker queue is full
(counted by Dropped) or when a subscriber's buffer is full, so subscribers must
not rely on seeing every event. Stop closes every subscriber channel.
*/
package events
