package connect

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTelemetryPostsExpectedFields(t *testing.T) {
	var gotPath, gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Printer-Token")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	temp := 210.0
	c.Send(model.Telemetry{State: "PRINTING", TempNozzle: &temp})

	assert.Equal(t, "/p/telemetry", gotPath)
	assert.Equal(t, "secret-token", gotToken)
	assert.Contains(t, gotBody, `"state":"PRINTING"`)
	assert.Contains(t, gotBody, `"temp_nozzle":210`)
}

func TestSendEventPostsToEventsPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	c.SendEvent(Event{Event: EventStateChanged, Reason: "printing"})
	assert.Equal(t, "/p/events", gotPath)
}

func TestCommandIDHeaderDispatchesOnCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Command-Id", "42")
		w.Header().Set("Content-Type", "text/x.gcode")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("G28\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	var gotID int
	var gotBody string
	c.OnCommand = func(id int, contentType string, body []byte) {
		gotID = id
		gotBody = string(body)
	}
	c.Send(model.Telemetry{State: "IDLE"})

	require.Equal(t, 42, gotID)
	assert.Equal(t, "G28\n", gotBody)
}

func TestSignalLCDCalledOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	var lastOK bool
	var lastStatus int
	c.SetLCDSignal(func(ok bool, status int) { lastOK = ok; lastStatus = status })

	c.Send(model.Telemetry{State: "IDLE"})
	assert.True(t, lastOK)
	assert.Equal(t, http.StatusOK, lastStatus)
}

func TestQueueDepthDrainsAfterSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	assert.Equal(t, 0, c.QueueDepth())
	c.Send(model.Telemetry{State: "IDLE"})
	assert.Equal(t, 0, c.QueueDepth())
}
