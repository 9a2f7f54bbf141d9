package metrics

import (
	stderrors "errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/handle"
)

func TestHandleEvents(t *testing.T) {
	c := New("nb")
	c.OnHandleEvent(handle.Event{Kind: handle.KindWebSocket, Handle: 1, Type: handle.EventRegistered})
	c.OnHandleEvent(handle.Event{Kind: handle.KindWebSocket, Handle: 2, Type: handle.EventRegistered})
	c.OnHandleEvent(handle.Event{Kind: handle.KindWebSocket, Handle: 1, Type: handle.EventRemoved})

	if got := testutil.ToFloat64(c.live.WithLabelValues("websocket")); got != 1 {
		t.Errorf("live websockets = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.created.WithLabelValues("websocket")); got != 2 {
		t.Errorf("created websockets = %v, want 2", got)
	}
}

func TestBridgeEvents(t *testing.T) {
	c := New("nb")
	c.StaleCompletion(handle.KindHTTPRequest)
	c.StaleCompletion(handle.KindHTTPRequest)
	c.TransportFailure(handle.KindPeerConnection)
	c.CallbackDelivered(handle.KindDataChannel)
	c.ImportCalled("httpFetch")
	c.CallbackFault(dispatch.SigVIIII, 3, stderrors.New("trap"))

	tests := []struct {
		name string
		m    prometheus.Collector
		want float64
	}{
		{"stale", c.stale.WithLabelValues("http_request"), 2},
		{"failures", c.failures.WithLabelValues("peer_connection"), 1},
		{"delivered", c.delivered.WithLabelValues("data_channel"), 1},
		{"imports", c.imports.WithLabelValues("httpFetch"), 1},
		{"faults", c.faults.WithLabelValues("viiii"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.m); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("nb")
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.OnHandleEvent(handle.Event{Kind: handle.KindHTTPRequest, Handle: 1, Type: handle.EventRegistered})

	expected := `
# HELP nb_handles_created_total Bridge handles created by kind.
# TYPE nb_handles_created_total counter
nb_handles_created_total{kind="http_request"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "nb_handles_created_total"); err != nil {
		t.Error(err)
	}

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `nb_handles_live{kind="http_request"} 1`) {
		t.Errorf("scrape missing live gauge:\n%s", body)
	}
}
