package capture

import (
	"fmt"
	"strings"
	"time"

	"exploratory-testing-support/internal/domain"
)

// Policy decides how much a collector captures and how often it flushes.
// The three presets trade fidelity for overhead on the host page.
type Policy struct {
	Name           string
	BufferCapacity int
	FlushInterval  time.Duration
	// MouseMoveRate is the probability a mouse-move is admitted; 0 disables.
	MouseMoveRate float64
	CaptureDOM    bool
	// ImportantTargetsOnly limits clicks/focus to interactive elements.
	ImportantTargetsOnly bool
	// ImportantKeysOnly limits keydowns to navigation, modified and F-keys.
	ImportantKeysOnly bool
	// ConsoleLevels admitted; empty admits every level.
	ConsoleLevels  []domain.LogLevel
	CaptureConsole bool
	CaptureNetwork bool
	// FailedNetworkOnly drops successful requests.
	FailedNetworkOnly bool
	CaptureErrors     bool
}

var (
	FullPolicy = Policy{
		Name:           "full",
		BufferCapacity: 100,
		FlushInterval:  5 * time.Second,
		MouseMoveRate:  0.1,
		CaptureDOM:     true,
		CaptureConsole: true,
		CaptureNetwork: true,
		CaptureErrors:  true,
	}
	LightweightPolicy = Policy{
		Name:                 "lightweight",
		BufferCapacity:       50,
		FlushInterval:        10 * time.Second,
		CaptureDOM:           true,
		ImportantTargetsOnly: true,
		ImportantKeysOnly:    true,
		ConsoleLevels:        []domain.LogLevel{domain.LevelWarn, domain.LevelError},
		CaptureConsole:       true,
		CaptureNetwork:       true,
		FailedNetworkOnly:    true,
		CaptureErrors:        true,
	}
	MinimalPolicy = Policy{
		Name:              "minimal",
		BufferCapacity:    20,
		FlushInterval:     15 * time.Second,
		ConsoleLevels:     []domain.LogLevel{domain.LevelError},
		CaptureConsole:    true,
		CaptureNetwork:    true,
		FailedNetworkOnly: true,
		CaptureErrors:     true,
	}
)

// PolicyByName resolves a preset; the empty name selects full.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "full":
		return FullPolicy, nil
	case "lightweight", "light":
		return LightweightPolicy, nil
	case "minimal":
		return MinimalPolicy, nil
	}
	return Policy{}, fmt.Errorf("unknown capture policy %q", name)
}

func (p Policy) normalized() Policy {
	if p.BufferCapacity <= 0 {
		p.BufferCapacity = FullPolicy.BufferCapacity
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = FullPolicy.FlushInterval
	}
	if p.Name == "" {
		p.Name = "custom"
	}
	return p
}

// AdmitDOM applies the DOM admission rules. roll is a uniform [0,1) draw
// used only for sampled event types.
func (p Policy) AdmitDOM(ev DOMEvent, roll float64) bool {
	if !p.CaptureDOM {
		return false
	}
	switch ev.Type {
	case domain.EventMouseMove:
		return roll < p.MouseMoveRate
	case domain.EventClick, domain.EventFocus:
		return !p.ImportantTargetsOnly || ev.Target.Important()
	case domain.EventKeydown:
		return !p.ImportantKeysOnly || ev.ImportantKey()
	}
	return true
}

func (p Policy) AdmitConsole(level domain.LogLevel) bool {
	if !p.CaptureConsole {
		return false
	}
	if len(p.ConsoleLevels) == 0 {
		return true
	}
	for _, l := range p.ConsoleLevels {
		if l == level {
			return true
		}
	}
	return false
}

func (p Policy) AdmitNetwork(call NetworkCall) bool {
	if !p.CaptureNetwork {
		return false
	}
	return !p.FailedNetworkOnly || call.Failed()
}

func (p Policy) String() string {
	return fmt.Sprintf("%s(capacity=%d, flush=%s, mousemove=%.2f)", p.Name, p.BufferCapacity, p.FlushInterval, p.MouseMoveRate)
}
