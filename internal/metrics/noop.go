package metrics

// NoopSink discards every metric.
type NoopSink struct{}

func (NoopSink) ActivationEnqueued(string) {}
func (NoopSink) ActivationDuplicate() {}
func (NoopSink) ActivationCancelled(int) {}
func (NoopSink) ActivationFired() {}
func (NoopSink) ActivationFailed() {}
func (NoopSink) ActivationsRequeued(int) {}
func (NoopSink) SnapshotHandled(string) {}
func (NoopSink) SinkWriteFailed() {}
func (NoopSink) FeedError() {}
func (NoopSink) SessionOpened() {}
func (NoopSink) SessionClosed() {}
func (NoopSink) TransitionDropped() {}

var _ Sink = NoopSink{}
