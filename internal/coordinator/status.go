package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"exploratory-testing-support/internal/domain"
	"exploratory-testing-support/internal/usecase"
)

// StatusView is what the popup renders. Timestamps are either valid or
// null, never garbage, whatever is in the store.
type StatusView struct {
	Active        bool       `json:"active"`
	Status        string     `json:"status"`
	SessionID     string     `json:"sessionId,omitempty"`
	Name          string     `json:"name,omitempty"`
	StartTime     *time.Time `json:"startTime"`
	EndTime       *time.Time `json:"endTime"`
	EventCount    int        `json:"eventCount"`
	LastSessionID string     `json:"lastSessionId,omitempty"`
}

const statusNone = "none"

// Status decodes the current record leniently. A record that is not even
// JSON is logged and reported as no session.
func (c *Coordinator) Status(ctx context.Context) (StatusView, error) {
	view := StatusView{Status: statusNone}
	if last, ok, err := c.store.Get(ctx, usecase.KeyLastSessionID); err == nil && ok {
		view.LastSessionID = string(last)
	}
	raw, ok, err := c.store.Get(ctx, usecase.KeyCurrentSession)
	if err != nil {
		return view, fmt.Errorf("%w: read status: %w", domain.ErrStore, err)
	}
	if !ok {
		return view, nil
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn().Err(err).Msg("malformed current session in store")
		return view, nil
	}
	view.SessionID = s.ID
	view.Name = s.Name
	view.Status = string(s.Status)
	if view.Status == "" {
		view.Status = statusNone
	}
	view.Active = s.Status == domain.StatusActive
	view.StartTime = normalizeTime(s.StartTime)
	view.EndTime = s.EndTime
	if view.EndTime != nil {
		view.EndTime = normalizeTime(*view.EndTime)
	}
	view.EventCount = len(s.Events)
	return view, nil
}

func normalizeTime(t time.Time) *time.Time {
	if t.IsZero() || t.Year() < 1970 {
		return nil
	}
	u := t.UTC()
	return &u
}
