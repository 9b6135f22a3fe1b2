package tracking

// Connectivity reports whether the push channel can be used right now.
type Connectivity interface {
	Connected() bool
}

// Coordinator picks the transport for a batch. The choice is made once, when
// the batch starts.
type Coordinator struct {
	push     Transport
	poll     Transport
	liveness Connectivity
	closer   func()
}

// NewCoordinator selects push when liveness reports a connection and poll
// otherwise. push and liveness may be nil, in which case poll is always used.
func NewCoordinator(push Transport, poll Transport, liveness Connectivity) *Coordinator {
	c := &Coordinator{push: push, poll: poll, liveness: liveness}
	if pt, ok := push.(*PushTransport); ok {
		c.closer = pt.Close
	}
	return c
}

// Choose returns the transport to use for a new batch.
func (c *Coordinator) Choose() Transport {
	if c.push != nil && c.liveness != nil && c.liveness.Connected() {
		return c.push
	}
	return c.poll
}

// Fallback returns the transport to retry with when failed could not start,
// or nil when there is none.
func (c *Coordinator) Fallback(failed Transport) Transport {
	if failed == c.push && c.poll != nil {
		return c.poll
	}
	return nil
}

// Close releases the push subscriptions held by the coordinator's push
// transport.
func (c *Coordinator) Close() {
	if c.closer != nil {
		c.closer()
	}
}
