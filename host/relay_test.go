package host

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

type eventLog struct {
	got []string
}

func (l *eventLog) OnOpen() { l.got = append(l.got, "open") }
func (l *eventLog) OnMessage(data []byte, text bool) {
	l.got = append(l.got, fmt.Sprintf("msg %s %v", data, text))
}
func (l *eventLog) OnError(err error) { l.got = append(l.got, "error "+err.Error()) }
func (l *eventLog) OnClose()          { l.got = append(l.got, "close") }

func TestChannelRelay_ReplaysHeldEventsInOrder(t *testing.T) {
	var r ChannelRelay
	r.OnOpen()
	r.OnMessage([]byte("early"), true)
	r.OnError(errors.New("hiccup"))
	r.OnClose()

	log := &eventLog{}
	r.SetEvents(log)
	want := []string{"open", "msg early true", "error hiccup", "close"}
	if !reflect.DeepEqual(log.got, want) {
		t.Fatalf("replayed = %q, want %q", log.got, want)
	}

	r.OnMessage([]byte("late"), false)
	if n := len(log.got); n != 5 || log.got[4] != "msg late false" {
		t.Errorf("after install = %q", log.got)
	}
}

func TestChannelRelay_ReplayOnlyOnce(t *testing.T) {
	var r ChannelRelay
	r.OnOpen()

	first := &eventLog{}
	r.SetEvents(first)
	second := &eventLog{}
	r.SetEvents(second)

	if len(first.got) != 1 {
		t.Errorf("first sink = %q", first.got)
	}
	if len(second.got) != 0 {
		t.Errorf("second sink saw replayed events: %q", second.got)
	}
}

func TestChannelRelay_Discard(t *testing.T) {
	var r ChannelRelay
	r.OnMessage([]byte("dropped"), false)
	r.Discard()
	r.OnMessage([]byte("also dropped"), false)

	log := &eventLog{}
	r.SetEvents(log)
	if len(log.got) != 0 {
		t.Errorf("discarded relay replayed %q", log.got)
	}
}
