package broker

import (
	"testing"
	"time"
)

// recordingListener collects Listener notifications on channels.
type recordingListener struct {
	messages chan Message
	closes   chan struct{}
	errs     chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		messages: make(chan Message, 16),
		closes:   make(chan struct{}, 4),
		errs:     make(chan error, 4),
	}
}

func (l *recordingListener) OnMessage(msg Message) { l.messages <- msg }
func (l *recordingListener) OnClose()              { l.closes <- struct{}{} }
func (l *recordingListener) OnError(err error)     { l.errs <- err }

func (l *recordingListener) waitMessage(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-l.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for message")
		return Message{}
	}
}

func (l *recordingListener) waitClose(t *testing.T) {
	t.Helper()
	select {
	case <-l.closes:
	case err := <-l.errs:
		t.Fatalf("OnError(%v), want OnClose", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for close")
	}
}

func (l *recordingListener) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.errs:
		return err
	case <-l.closes:
		t.Fatal("OnClose(), want OnError")
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for error")
	}
	return nil
}

// expectQuiet fails if any lifecycle notification arrives within d.
func (l *recordingListener) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-l.closes:
		t.Fatal("unexpected OnClose()")
	case err := <-l.errs:
		t.Fatalf("unexpected OnError(%v)", err)
	case <-time.After(d):
	}
}

func TestSplitTopic(t *testing.T) {
	tests := []struct {
		topic         string
		wantNamespace string
		wantVerb      string
	}{
		{"clock:arm", "clock", "arm"},
		{"misc:unknown_command", "misc", "unknown_command"},
		{"clock", "clock", ""},
		{"a:b:c", "a", "b:c"},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			ns, verb := SplitTopic(tt.topic)
			if ns != tt.wantNamespace || verb != tt.wantVerb {
				t.Errorf("SplitTopic(%q) = (%q, %q), want (%q, %q)",
					tt.topic, ns, verb, tt.wantNamespace, tt.wantVerb)
			}
		})
	}
}

func TestMessage_SetHeader(t *testing.T) {
	var msg Message
	msg.SetHeader(HeaderOverlaySource, "main")

	if got, ok := msg.Header(HeaderOverlaySource); !ok || got != "main" {
		t.Errorf("Header() = (%q, %v), want (\"main\", true)", got, ok)
	}
	if _, ok := msg.Header("x-missing"); ok {
		t.Error("Header() found a header that was never set")
	}
}

func TestMergeHeaders(t *testing.T) {
	msg := NewMessage("clock:arm", nil)
	msg.SetHeader("x-overlay-source", "body")

	mergeHeaders(&msg, map[string]string{
		"x-overlay-source": "transport",
		"x-via-proxy-1":    "true",
	})

	if got := msg.Headers["x-overlay-source"]; got != "body" {
		t.Errorf("x-overlay-source = %q, want body header to win", got)
	}
	if got := msg.Headers["x-via-proxy-1"]; got != "true" {
		t.Errorf("x-via-proxy-1 = %q, want %q", got, "true")
	}
}
