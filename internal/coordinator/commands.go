package coordinator

import (
	"context"
	"errors"
	"fmt"

	"exploratory-testing-support/internal/domain"
)

// ErrBadRequest marks a command the coordinator cannot act on as given.
var ErrBadRequest = errors.New("bad request")

type CommandType string

const (
	CmdStartSession   CommandType = "start_session"
	CmdStopSession    CommandType = "stop_session"
	CmdToggleSession  CommandType = "toggle_session"
	CmdPauseSession   CommandType = "pause_session"
	CmdResumeSession  CommandType = "resume_session"
	CmdCancelSession  CommandType = "cancel_session"
	CmdUpdateSession  CommandType = "update_session"
	CmdClearSession   CommandType = "clear_session"
	CmdGetStatus      CommandType = "get_status"
	CmdGetStats       CommandType = "get_stats"
	CmdExportReport   CommandType = "export_report"
	CmdAddEvent       CommandType = "add_event"
	CmdFlagEvent      CommandType = "flag_event"
	CmdAddScreenshot  CommandType = "add_screenshot"
	CmdTakeScreenshot CommandType = "take_screenshot"
	CmdSyncPending    CommandType = "sync_pending"

	CmdGetRemoteSession    CommandType = "get_remote_session"
	CmdDeleteRemoteSession CommandType = "delete_remote_session"
)

// Request is one command from the popup or a page context.
type Request struct {
	Type        CommandType       `json:"type"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Event       *domain.Event     `json:"event,omitempty"`
	EventID     string            `json:"eventId,omitempty"`
	Note        string            `json:"note,omitempty"`
	Data        string            `json:"data,omitempty"`
	Format      ReportFormat      `json:"format,omitempty"`
	// Remote asks the backend instead of the local store.
	Remote    bool   `json:"remote,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type Response struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Session   *domain.Session `json:"session,omitempty"`
	Status    *StatusView     `json:"status,omitempty"`
	Stats     *domain.Stats   `json:"stats,omitempty"`
	Report    string          `json:"report,omitempty"`
	ID        string          `json:"id,omitempty"`
	Started   *bool           `json:"started,omitempty"`
	Sent      int             `json:"sent,omitempty"`
}

// Handle dispatches one command. It never panics on bad input and always
// answers; failures come back with Success false and a stable code.
func (c *Coordinator) Handle(ctx context.Context, req Request) Response {
	resp, err := c.dispatch(ctx, req)
	if err != nil {
		c.logger.Debug().Err(err).Str("command", string(req.Type)).Msg("command failed")
		return Response{Error: err.Error(), Code: ErrorCode(err)}
	}
	resp.Success = true
	return resp
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	if errors.Is(err, ErrBadRequest) {
		return "BAD_REQUEST"
	}
	return domain.Code(err)
}

func (c *Coordinator) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Type {
	case CmdStartSession:
		id, err := c.Start(ctx, req.Name, req.Description, req.Metadata)
		return Response{SessionID: id}, err
	case CmdStopSession:
		s, err := c.Stop(ctx)
		return sessionResponse(s, err)
	case CmdCancelSession:
		s, err := c.Cancel(ctx)
		return sessionResponse(s, err)
	case CmdToggleSession:
		started, id, err := c.Toggle(ctx, req.Name, req.Description, req.Metadata)
		return Response{SessionID: id, Started: &started}, err
	case CmdPauseSession:
		return Response{}, c.Pause(ctx)
	case CmdResumeSession:
		return Response{}, c.Resume(ctx)
	case CmdUpdateSession:
		return Response{}, c.Update(ctx, req.Name, req.Description)
	case CmdClearSession:
		return Response{}, c.Clear(ctx)
	case CmdGetStatus:
		v, err := c.Status(ctx)
		return Response{Status: &v, SessionID: v.SessionID}, err
	case CmdGetStats:
		st, err := c.Stats(ctx)
		return Response{Stats: &st}, err
	case CmdExportReport:
		if req.Remote {
			r, err := c.RemoteReport(ctx, req.Format)
			return Response{Report: r}, err
		}
		r, err := c.Report(ctx, req.Format)
		return Response{Report: r}, err
	case CmdGetRemoteSession:
		s, err := c.RemoteSession(ctx, req.SessionID)
		return sessionResponse(s, err)
	case CmdDeleteRemoteSession:
		return Response{}, c.DeleteRemote(ctx, req.SessionID)
	case CmdAddEvent:
		if req.Event == nil {
			return Response{}, fmt.Errorf("%w: event required", ErrBadRequest)
		}
		return Response{}, c.AddEvent(ctx, *req.Event)
	case CmdFlagEvent:
		id, err := c.FlagEvent(ctx, req.EventID, req.Note)
		return Response{ID: id}, err
	case CmdAddScreenshot:
		id, err := c.AddScreenshot(ctx, req.Data)
		return Response{ID: id}, err
	case CmdTakeScreenshot:
		id, err := c.TakeScreenshot(ctx)
		return Response{ID: id}, err
	case CmdSyncPending:
		n, err := c.SyncPending(ctx)
		return Response{Sent: n}, err
	}
	return Response{}, fmt.Errorf("%w: unknown command %q", ErrBadRequest, req.Type)
}

func sessionResponse(s domain.Session, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	return Response{SessionID: s.ID, Session: &s}, nil
}
