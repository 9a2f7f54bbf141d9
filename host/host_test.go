package host

import (
	"net/http"
	"testing"
)

func TestRequest_Clone(t *testing.T) {
	orig := &Request{
		Method: http.MethodPost,
		URL:    "http://example.invalid/upload",
		Header: http.Header{"X-Token": []string{"a"}},
		Body:   []byte("payload"),
	}

	c := orig.Clone()
	c.Header.Set("X-Token", "b")
	c.Body[0] = 'P'

	if orig.Header.Get("X-Token") != "a" {
		t.Error("Clone shares headers")
	}
	if string(orig.Body) != "payload" {
		t.Error("Clone shares body")
	}
	if c.Method != http.MethodPost || c.URL != orig.URL {
		t.Errorf("Clone lost fields: %+v", c)
	}
}

func TestRequest_CloneNilHeader(t *testing.T) {
	c := (&Request{Method: http.MethodGet}).Clone()
	if c.Header == nil {
		t.Fatal("Clone should always return a usable header map")
	}
	if c.Body != nil {
		t.Fatal("nil body should stay nil")
	}
}

func TestChannelState_String(t *testing.T) {
	tests := map[ChannelState]string{
		ChannelConnecting: "connecting",
		ChannelOpen:       "open",
		ChannelClosing:    "closing",
		ChannelClosed:     "closed",
		ChannelState(42):  "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
