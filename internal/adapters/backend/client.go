// Package backend talks to the remote session CRUD API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/domain"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

var ErrUnauthorized = errors.New("backend: unauthorized")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Body)
}

// Client is a small REST client. Tokens live in the shared store so every
// context sees the same credentials.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	store    usecase.SharedStore
	logger   *zerolog.Logger
	maxTries uint
	initial  time.Duration

	refreshMu sync.Mutex
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.HTTP = h } }

// WithRetries sets how many attempts a transient failure gets in total.
func WithRetries(n uint) Option { return func(c *Client) { c.maxTries = n } }

func WithInitialBackoff(d time.Duration) Option { return func(c *Client) { c.initial = d } }

func New(baseURL string, store usecase.SharedStore, logger *zerolog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = obs.Nop()
	}
	c := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		store:    store,
		logger:   logger,
		maxTries: 3,
		initial:  500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type sessionPayload struct {
	domain.Session
	Stats domain.Stats `json:"stats"`
}

// SaveSession uploads a terminated session. A session the backend already
// holds is replaced instead. It satisfies usecase.BackendSink.
func (c *Client) SaveSession(ctx context.Context, s domain.Session) error {
	err := c.do(ctx, http.MethodPost, "/sessions", newSessionPayload(s), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		c.logger.Debug().Str("session", s.ID).Msg("session exists remotely, updating")
		return c.UpdateSession(ctx, s)
	}
	return err
}

func (c *Client) UpdateSession(ctx context.Context, s domain.Session) error {
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(s.ID), newSessionPayload(s), nil)
}

func (c *Client) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// GenerateReport asks the backend to render its own report of a session it
// holds.
func (c *Client) GenerateReport(ctx context.Context, id, format string) (string, error) {
	var out struct {
		Report string `json:"report"`
	}
	body := map[string]string{"sessionId": id, "format": format}
	err := c.do(ctx, http.MethodPost, "/reports/generate", body, &out)
	return out.Report, err
}

func newSessionPayload(s domain.Session) sessionPayload {
	end := s.StartTime
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return sessionPayload{Session: s, Stats: s.Stats(end)}
}

// SetTokens stores a fresh credential pair.
func (c *Client) SetTokens(ctx context.Context, access, refresh string) error {
	if err := c.store.Set(ctx, usecase.KeyAccessToken, []byte(access)); err != nil {
		return err
	}
	if refresh == "" {
		return nil
	}
	return c.store.Set(ctx, usecase.KeyRefreshToken, []byte(refresh))
}

// do sends one request with retries. A 401 triggers a single token refresh
// and replay; other 4xx answers are final.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		payload = b
	}
	refreshed := false
	op := func() (struct{}, error) {
		err := c.once(ctx, method, path, payload, out)
		if errors.Is(err, ErrUnauthorized) && !refreshed {
			refreshed = true
			if rerr := c.refresh(ctx); rerr != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: refresh: %w", ErrUnauthorized, rerr))
			}
			err = c.once(ctx, method, path, payload, out)
		}
		var se *StatusError
		if errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		if errors.Is(err, ErrUnauthorized) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("backend request failed")
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok, ok, err := c.store.Get(ctx, usecase.KeyAccessToken); err == nil && ok && len(tok) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(tok))
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("backend: decode response: %w", err))
	}
	return nil
}

// refresh trades the stored refresh token for a new pair. Concurrent
// callers share one refresh.
func (c *Client) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	rt, ok, err := c.store.Get(ctx, usecase.KeyRefreshToken)
	if err != nil {
		return err
	}
	if !ok || len(rt) == 0 {
		return errors.New("no refresh token")
	}
	payload, _ := json.Marshal(map[string]string{"refreshToken": string(rt)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh status %d", resp.StatusCode)
	}
	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode refresh: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("refresh returned no access token")
	}
	c.logger.Info().Msg("backend token refreshed")
	return c.SetTokens(ctx, out.AccessToken, out.RefreshToken)
}
