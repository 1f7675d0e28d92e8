// Package callback notifies external requesters that a sample result is
// ready, either right away or once the running job completes.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const contentType = "application/json"

// Notification is the body posted to a callback target.
type Notification struct {
	SHA1 string `json:"sha1"`
}

type Manager struct {
	registrations Registrations
	client        *http.Client
	timeout       time.Duration
}

func NewManager(registrations Registrations, timeout time.Duration) *Manager {
	return &Manager{
		registrations: registrations,
		client:        &http.Client{},
		timeout:       timeout,
	}
}

// WithClient replaces the http client used for delivery.
func (m *Manager) WithClient(client *http.Client) *Manager {
	m.client = client
	return m
}

// ValidateTarget accepts absolute http(s) URLs only.
func ValidateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("callback %q must be an absolute http(s) url", target)
	}
	return nil
}

// Defer registers target to be notified when Fire is called for key.
func (m *Manager) Defer(ctx context.Context, target, key string) error {
	if err := ValidateTarget(target); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.registrations.Add(ctx, key, target); err != nil {
		return err
	}
	slog.DebugContext(ctx, "callback deferred", "sha1", key, "callback", target)
	return nil
}

// NotifyNow posts the notification for key to target.
func (m *Manager) NotifyNow(ctx context.Context, target, key string) error {
	if err := ValidateTarget(target); err != nil {
		return err
	}
	raw, err := json.Marshal(Notification{SHA1: key})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("calling %s: status: %d, body: %s", target, resp.StatusCode, string(body))
	}
	slog.DebugContext(ctx, "callback delivered", "sha1", key, "callback", target)
	return nil
}

// Fire delivers every deferred callback registered for key. Registrations are
// consumed even when a delivery fails.
func (m *Manager) Fire(ctx context.Context, key string) error {
	tctx, cancel := context.WithTimeout(ctx, m.timeout)
	targets, err := m.registrations.Take(tctx, key)
	cancel()
	if err != nil {
		return err
	}
	var errs []error
	for _, target := range targets {
		if err := m.NotifyNow(ctx, target, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
