package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"exploratory-testing-support/internal/usecase"
)

// handleStream is the server-sent-events twin of the monitor socket for
// popups that cannot hold a websocket. It opens with the current status and
// sends a fresh one whenever the session record changes.
func (d *Deps) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "stream unsupported", nil)
		return
	}
	// the server's write timeout would cut a long-lived stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	sub := d.Monitor.Subscribe()
	defer d.Monitor.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendStatus := func() error {
		v, err := d.Coord.Status(r.Context())
		if err != nil {
			d.Logger.Debug().Err(err).Msg("stream status read failed")
			return nil
		}
		return writeSSE(w, flusher, "status", v)
	}
	if err := sendStatus(); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, ev.Type, ev); err != nil {
				return
			}
			if ev.Type == MonitorStoreChange && ev.Key == usecase.KeyCurrentSession {
				if err := sendStatus(); err != nil {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
