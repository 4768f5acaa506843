package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"exploratory-testing-support/internal/coordinator"
)

const maxCommandBytes = 16 << 20

// handleCommand is the single typed entry point. Command failures are
// answered with 200 and success=false; only undecodable bodies get a 400.
func (d *Deps) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req coordinator.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid command body", err.Error())
		return
	}
	resp := d.Coord.Handle(r.Context(), req)
	if !resp.Success {
		d.Logger.Debug().Str("command", string(req.Type)).Str("code", resp.Code).Msg("command rejected")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := d.Coord.Status(r.Context())
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (d *Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := d.Coord.Stats(r.Context())
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Deps) handleReport(w http.ResponseWriter, r *http.Request) {
	format := coordinator.ReportFormat(r.URL.Query().Get("format"))
	report, err := d.Coord.Report(r.Context(), format)
	if err != nil {
		d.fail(w, err)
		return
	}
	ct := "text/plain; charset=utf-8"
	if format == coordinator.FormatMarkdown || format == "md" {
		ct = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, report)
}

func (d *Deps) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := d.Coord.Clear(r.Context()); err != nil {
		d.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) fail(w http.ResponseWriter, err error) {
	code := coordinator.ErrorCode(err)
	status := statusFor(code)
	if status >= 500 {
		d.Logger.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, err.Error(), nil)
}
