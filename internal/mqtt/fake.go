package mqtt

import "sync"

// FakeClient records published messages and lets tests deliver messages to
// subscribers. It is safe for concurrent use.
type FakeClient struct {
	mu sync.Mutex

	published    []Message
	subs         map[string]Handler
	publishError error
	connected    bool
	closed       bool
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{subs: make(map[string]Handler), connected: true}
}

// Publish records msg, or returns the configured error.
func (f *FakeClient) Publish(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishError != nil {
		return f.publishError
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	f.published = append(f.published, msg)
	return nil
}

// Subscribe records the handler for filter.
func (f *FakeClient) Subscribe(filter string, qos byte, h Handler) error {
	f.mu.Lock()
	f.subs[filter] = h
	f.mu.Unlock()
	return nil
}

// Deliver calls every handler whose filter matches topic and reports how
// many did.
func (f *FakeClient) Deliver(topic string, payload []byte) int {
	f.mu.Lock()
	var hs []Handler
	for filter, h := range f.subs {
		if TopicMatches(filter, topic) {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
	return len(hs)
}

// Published returns a copy of every message published so far.
func (f *FakeClient) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}

// PublishedTo returns the messages published on topic.
func (f *FakeClient) PublishedTo(topic string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Filters returns every subscribed filter.
func (f *FakeClient) Filters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for k := range f.subs {
		out = append(out, k)
	}
	return out
}

// SetPublishError makes Publish fail with err (nil clears it).
func (f *FakeClient) SetPublishError(err error) {
	f.mu.Lock()
	f.publishError = err
	f.mu.Unlock()
}

// SetConnected controls the return value of IsConnected.
func (f *FakeClient) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded messages and injected errors.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	f.published = nil
	f.publishError = nil
	f.mu.Unlock()
}
