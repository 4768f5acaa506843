package coordinator

import (
	"context"
	"fmt"

	"exploratory-testing-support/internal/domain"
)

func (c *Coordinator) remoteOrErr() (Remote, error) {
	if c.remote == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrBadRequest)
	}
	return c.remote, nil
}

// RemoteReport has the backend render the report of the open or last
// session.
func (c *Coordinator) RemoteReport(ctx context.Context, format ReportFormat) (string, error) {
	remote, err := c.remoteOrErr()
	if err != nil {
		return "", err
	}
	s, ok, err := c.machine.Reportable(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: nothing to report", domain.ErrNotFound)
	}
	if format == "" {
		format = FormatText
	}
	r, err := remote.GenerateReport(ctx, s.ID, string(format))
	if err != nil {
		return "", fmt.Errorf("%w: report %s: %w", domain.ErrRemoteSync, s.ID, err)
	}
	return r, nil
}

// RemoteSession fetches the backend's copy of a session. An empty id means
// the last terminated session.
func (c *Coordinator) RemoteSession(ctx context.Context, id string) (domain.Session, error) {
	remote, err := c.remoteOrErr()
	if err != nil {
		return domain.Session{}, err
	}
	if id, err = c.resolveID(ctx, id); err != nil {
		return domain.Session{}, err
	}
	s, err := remote.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: get %s: %w", domain.ErrRemoteSync, id, err)
	}
	return s, nil
}

// DeleteRemote removes the backend's copy and drops the session from the
// pending backlog so it is not sent again.
func (c *Coordinator) DeleteRemote(ctx context.Context, id string) error {
	remote, err := c.remoteOrErr()
	if err != nil {
		return err
	}
	if id, err = c.resolveID(ctx, id); err != nil {
		return err
	}
	if err := remote.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrRemoteSync, id, err)
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.editPending(ctx, func(ids []string) []string { return without(ids, id) })
}

func (c *Coordinator) resolveID(ctx context.Context, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	s, ok, err := c.machine.Last(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no terminated session", domain.ErrNotFound)
	}
	return s.ID, nil
}
