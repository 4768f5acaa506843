package capture

import (
	"strings"
	"time"

	"exploratory-testing-support/internal/domain"
)

// Restore undoes one installed hook, putting the original function back.
type Restore func()

// Host is the page environment a collector observes. Each Hook installs an
// interception point that forwards to the original behavior unchanged and
// also reports the call to fn; the returned Restore removes it.
// Callbacks run on the page's own thread and must stay cheap.
type Host interface {
	HookConsole(fn func(ConsoleCall)) (Restore, error)
	HookNetwork(fn func(NetworkCall)) (Restore, error)
	HookErrors(fn func(PageError)) (Restore, error)
	HookDOM(fn func(DOMEvent)) (Restore, error)
}

type ConsoleCall struct {
	Level domain.LogLevel
	Args  []any
	At    time.Time
}

type NetworkCall struct {
	Method   string
	URL      string
	Status   int
	Duration time.Duration
	// Err is set when the request never produced a response.
	Err string
	At  time.Time
}

// Failed is true for transport errors and 4xx/5xx responses.
func (n NetworkCall) Failed() bool { return n.Err != "" || n.Status >= 400 || n.Status == 0 }

type PageError struct {
	Message string
	Source  string
	Line    int
	Column  int
	Stack   string
	// Rejection marks an unhandled promise rejection.
	Rejection bool
	At        time.Time
}

type DOMEvent struct {
	Type   domain.EventType
	Target Element
	Key    string
	Ctrl   bool
	Alt    bool
	Meta   bool
	Shift  bool
	X, Y   int
	// Viewport size at the time of the event.
	ViewportW, ViewportH int
	URL                  string
	At                   time.Time
}

type Element struct {
	Tag     string            `json:"tag"`
	ID      string            `json:"id,omitempty"`
	Classes []string          `json:"classes,omitempty"`
	Role    string            `json:"role,omitempty"`
	Type    string            `json:"type,omitempty"`
	Text    string            `json:"text,omitempty"`
	TestID  string            `json:"testId,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true,
	"label": true, "option": true, "summary": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "tab": true,
	"menuitem": true, "option": true, "switch": true, "textbox": true, "combobox": true,
}

// Important reports whether the element is interactive or carries an
// explicit test hook.
func (e Element) Important() bool {
	if e.TestID != "" || interactiveTags[strings.ToLower(e.Tag)] || interactiveRoles[strings.ToLower(e.Role)] {
		return true
	}
	for _, a := range []string{"data-testid", "data-test", "data-cy", "onclick"} {
		if _, ok := e.Attrs[a]; ok {
			return true
		}
	}
	return false
}

// Descriptor is a short CSS-like label such as button#save.primary.
func (e Element) Descriptor() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Tag))
	if e.ID != "" {
		b.WriteString("#" + e.ID)
	}
	for _, c := range e.Classes {
		b.WriteString("." + c)
	}
	if e.TestID != "" {
		b.WriteString(`[data-testid="` + e.TestID + `"]`)
	}
	return b.String()
}

var navigationKeys = map[string]bool{
	"Enter": true, "Escape": true, "Tab": true, "Backspace": true, "Delete": true,
	"ArrowUp": true, "ArrowDown": true, "ArrowLeft": true, "ArrowRight": true,
	"PageUp": true, "PageDown": true, "Home": true, "End": true,
}

// ImportantKey is true for navigation keys, function keys and any key
// pressed with Ctrl, Alt or Meta.
func (d DOMEvent) ImportantKey() bool {
	if d.Ctrl || d.Alt || d.Meta || navigationKeys[d.Key] {
		return true
	}
	if len(d.Key) >= 2 && len(d.Key) <= 3 && d.Key[0] == 'F' {
		for _, r := range d.Key[1:] {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}
