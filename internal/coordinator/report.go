package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"exploratory-testing-support/internal/domain"
)

type ReportFormat string

const (
	FormatText     ReportFormat = "text"
	FormatMarkdown ReportFormat = "markdown"
)

var reportFuncs = template.FuncMap{
	"ts":       formatTime,
	"summary":  summarize,
	"metadata": sortedMetadata,
	"duration": formatDuration,
	"upper":    strings.ToUpper,
}

var textReport = template.Must(template.New("text").Funcs(reportFuncs).Parse(`Exploratory Testing Report
==========================
Session:     {{.Session.Name}} ({{.Session.ID}})
Status:      {{.Session.Status}}
Started:     {{ts .Session.StartTime}}
Ended:       {{if .Session.EndTime}}{{ts .Session.EndTime}}{{else}}in progress{{end}}
Duration:    {{duration .}}
{{- if .Session.Description}}
Description: {{.Session.Description}}
{{- end}}
{{- range metadata .Session.Metadata}}
{{.Key}}: {{.Value}}
{{- end}}

Summary
-------
Events: {{.Stats.EventCount}}  Errors: {{.Stats.ErrorCount}}  Screenshots: {{.Stats.ScreenshotCount}}  Flags: {{.Stats.FlagCount}}

Events
------
{{- range .Session.Events}}
[{{.Timestamp}}] {{upper (printf "%s" .Type)}} {{summary .}}
{{- else}}
(none)
{{- end}}

Flags
-----
{{- range .Session.Flags}}
[{{.Timestamp}}] {{.EventID}}: {{.Note}}
{{- else}}
(none)
{{- end}}
`))

var markdownReport = template.Must(template.New("markdown").Funcs(reportFuncs).Parse(`# Exploratory Testing Report: {{.Session.Name}}

| Field | Value |
|---|---|
| Session | ` + "`{{.Session.ID}}`" + ` |
| Status | {{.Session.Status}} |
| Started | {{ts .Session.StartTime}} |
| Ended | {{if .Session.EndTime}}{{ts .Session.EndTime}}{{else}}in progress{{end}} |
| Duration | {{duration .}} |
{{- range metadata .Session.Metadata}}
| {{.Key}} | {{.Value}} |
{{- end}}
{{if .Session.Description}}
{{.Session.Description}}
{{end}}
## Summary

- Events: {{.Stats.EventCount}}
- Errors: {{.Stats.ErrorCount}}
- Screenshots: {{.Stats.ScreenshotCount}}
- Flags: {{.Stats.FlagCount}}

## Events
{{range .Session.Events}}
- ` + "`{{.Timestamp}}`" + ` **{{.Type}}** {{summary .}}
{{- else}}
_No events captured._
{{- end}}

## Flags
{{range .Session.Flags}}
- ` + "`{{.EventID}}`" + `: {{.Note}}
{{- else}}
_No flags._
{{- end}}
`))

type reportData struct {
	Session domain.Session
	Stats   domain.Stats
}

// Report renders the open session, or the last terminated one. The output
// depends only on the record, so the same record always renders the same.
func (c *Coordinator) Report(ctx context.Context, format ReportFormat) (string, error) {
	s, ok, err := c.machine.Reportable(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: nothing to report", domain.ErrNotFound)
	}
	return RenderReport(s, format)
}

func RenderReport(s domain.Session, format ReportFormat) (string, error) {
	tmpl := textReport
	switch format {
	case "", FormatText:
	case FormatMarkdown, "md":
		tmpl = markdownReport
	default:
		return "", fmt.Errorf("%w: unknown report format %q", ErrBadRequest, format)
	}
	stats := s.Stats(s.StartTime)
	if s.EndTime != nil {
		stats = s.Stats(*s.EndTime)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, reportData{Session: s, Stats: stats}); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return b.String(), nil
}

func formatTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "unknown"
		}
		return domain.FormatTimestamp(t)
	case *time.Time:
		if t == nil || t.IsZero() {
			return "unknown"
		}
		return domain.FormatTimestamp(*t)
	}
	return "unknown"
}

func formatDuration(d reportData) string {
	if d.Session.EndTime == nil {
		return "in progress"
	}
	return d.Stats.Duration.Round(time.Second).String()
}

type kv struct{ Key, Value string }

func sortedMetadata(m map[string]string) []kv {
	out := make([]kv, 0, len(m))
	for k, v := range m {
		out = append(out, kv{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func summarize(e domain.Event) string {
	str := func(k string) string {
		v, ok := e.Data[k]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	switch e.Type {
	case domain.EventClick:
		return strings.TrimSpace(fmt.Sprintf("%s at (%s, %s)", str("target"), str("x"), str("y")))
	case domain.EventKeydown:
		return strings.TrimSpace(str("key") + " " + str("target"))
	case domain.EventConsole:
		return fmt.Sprintf("[%s] %s", str("level"), str("message"))
	case domain.EventNetwork, domain.EventNetworkError, domain.EventError:
		if m := str("message"); m != "" {
			return m
		}
	}
	if len(e.Data) == 0 {
		return ""
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return ""
	}
	return string(b)
}
