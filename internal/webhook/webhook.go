// Package webhook forwards consumed domain events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"jobline/internal/domain"
	"jobline/internal/events"
)

const defaultTimeout = 5 * time.Second

// Hook is one forwarding target.
type Hook struct {
	URL string
	// Events are routing-key patterns; empty means every event.
	Events  []string
	Secret  string
	Timeout time.Duration
}

type Forwarder struct {
	Hooks  []Hook
	Client *http.Client
	Log    logrus.FieldLogger
}

func New(hooks []Hook, log logrus.FieldLogger) *Forwarder {
	var active []Hook
	for _, h := range hooks {
		if strings.TrimSpace(h.URL) != "" {
			active = append(active, h)
		}
	}
	return &Forwarder{Hooks: active, Client: &http.Client{Timeout: defaultTimeout}, Log: log}
}

// Route is one hook bound as its own subscriber handler, so a hook that
// asks for redelivery does not repeat the posts of the others.
type Route struct {
	Name     string
	Patterns []string
	Handler  events.HandlerFunc
}

// Routes returns one route per hook. Names are the hook URL, suffixed when
// a URL is configured more than once.
func (f *Forwarder) Routes() []Route {
	used := map[string]int{}
	out := make([]Route, 0, len(f.Hooks))
	for _, h := range f.Hooks {
		hook := h
		name := "webhook:" + hook.URL
		if n := used[hook.URL]; n > 0 {
			name = fmt.Sprintf("%s#%d", name, n)
		}
		used[hook.URL]++
		out = append(out, Route{
			Name:     name,
			Patterns: patterns(hook),
			Handler: func(ctx context.Context, evt domain.DomainEvent) error {
				return f.deliver(ctx, hook, evt)
			},
		})
	}
	return out
}

func patterns(h Hook) []string {
	if len(h.Events) == 0 {
		return []string{"#"}
	}
	return h.Events
}

// deliver posts evt to one hook. Only retryable failures are returned.
func (f *Forwarder) deliver(ctx context.Context, hook Hook, evt domain.DomainEvent) error {
	err := f.post(ctx, hook, evt)
	if err == nil {
		return nil
	}
	f.Log.WithFields(logrus.Fields{"event_id": evt.EventID, "url": hook.URL}).WithError(err).Warn("webhook delivery failed")
	if retryable(err) {
		return fmt.Errorf("%w: webhook %s: %v", events.ErrRetry, hook.URL, err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, e.body) }

func retryable(err error) bool {
	if se, ok := err.(statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (f *Forwarder) post(ctx context.Context, hook Hook, evt domain.DomainEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobline-Event", evt.EventType)
	req.Header.Set("X-Jobline-Delivery", evt.EventID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Jobline-Secret", hook.Secret)
	}
	res, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return statusError{code: res.StatusCode, body: strings.TrimSpace(string(bodyBytes))}
	}
	return nil
}
