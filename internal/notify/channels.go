/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify implements post-build notification delivery (§4.6 step 6).
// A pipeline declares which notifiers to invoke; the Runner builds one
// Message per finished build and routes it to Slack, email, console, or a
// generic webhook standing in for a plugin notifier.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name, matching a pipeline's declared
	// notifier kind.
	Type() string
}

// Message is the post-build notification built by the Runner once a build
// reaches a terminal status.
type Message struct {
	JobName     string
	BuildID     string
	BuildNumber int
	Status      string // success, failure, aborted, timed-out
	Link        string // URL to the build detail page
	Title       string
	Body        string
	Timestamp   time.Time
}

// --- Slack ---

// SlackChannel sends notifications to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	emoji := statusEmoji(msg.Status)
	text := fmt.Sprintf("%s *[%s] %s #%d* - %s\n%s", emoji, strings.ToUpper(msg.Status), msg.JobName, msg.BuildNumber, msg.Title, msg.Link)

	payload := map[string]interface{}{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Email ---

// EmailChannel sends notifications via SMTP.
type EmailChannel struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(host string, port int, from string, to []string, username, password string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		From:     from,
		To:       to,
		Username: username,
		Password: password,
	}
}

func (e *EmailChannel) Type() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	subject := fmt.Sprintf("[Chengis %s] %s #%d - %s", strings.ToUpper(msg.Status), msg.JobName, msg.BuildNumber, msg.Title)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\n\nJob: %s\nBuild: #%d\nLink: %s\nTime: %s",
		e.From,
		strings.Join(e.To, ","),
		subject,
		msg.Body,
		msg.JobName,
		msg.BuildNumber,
		msg.Link,
		msg.Timestamp.Format(time.RFC3339),
	)

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	return smtp.SendMail(addr, auth, e.From, e.To, []byte(body))
}

// --- Console ---

// ConsoleChannel writes notifications to a structured logger. It is the
// zero-configuration notifier every pipeline can declare without standing
// up an external integration.
type ConsoleChannel struct {
	logger *zap.Logger
}

// NewConsoleChannel creates a console notification channel. logger may be
// nil, in which case a no-op logger is used.
func NewConsoleChannel(logger *zap.Logger) *ConsoleChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Type() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, msg Message) error {
	c.logger.Info("build notification",
		zap.String("job", msg.JobName),
		zap.Int("build_number", msg.BuildNumber),
		zap.String("status", msg.Status),
		zap.String("title", msg.Title),
		zap.String("link", msg.Link),
	)
	return nil
}

// --- Webhook ---

// WebhookChannel sends JSON notifications to any HTTP endpoint. Pipelines
// declare a "plugin" notifier as a webhook pointed at the plugin's own
// receiver, since no in-process plugin loader exists (§9 plugin-kind
// steps fail the same way).
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "plugin" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"job":          msg.JobName,
		"build_id":     msg.BuildID,
		"build_number": msg.BuildNumber,
		"status":       msg.Status,
		"link":         msg.Link,
		"title":        msg.Title,
		"body":         msg.Body,
		"timestamp":    msg.Timestamp.Format(time.RFC3339),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Router ---

// Router dispatches a build notification to the subset of registered
// channels a pipeline actually declared, rather than a severity tier: the
// notifier list lives on the pipeline (§4.6 step 6), not on the message.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	limiter  *RateLimiter
	logger   *zap.Logger
}

// NewRouter creates a notification router. logger may be nil.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{channels: make(map[string]Channel), logger: logger}
}

// Register adds or replaces a channel under its Type().
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Type()] = ch
}

// WithRateLimiter attaches a rate limiter keyed by job name.
func (r *Router) WithRateLimiter(limiter *RateLimiter) *Router {
	r.limiter = limiter
	return r
}

// Notify sends msg to each declared notifier kind that has a registered
// channel. Unregistered kinds and send failures are logged, never
// returned as a build failure (§4.6 step 6: notification errors never
// change build status).
func (r *Router) Notify(ctx context.Context, msg Message, declared []string) []error {
	if len(declared) == 0 {
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow(msg.JobName) {
		r.logger.Info("notification rate-limited", zap.String("job", msg.JobName))
		return nil
	}

	var errs []error
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range declared {
		ch, ok := r.channels[kind]
		if !ok {
			r.logger.Warn("no channel registered for notifier kind", zap.String("kind", kind))
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			r.logger.Error("notification failed", zap.Error(err), zap.String("type", ch.Type()), zap.String("build_id", msg.BuildID))
			errs = append(errs, err)
			continue
		}
		r.logger.Info("notification sent", zap.String("type", ch.Type()), zap.String("build_id", msg.BuildID), zap.String("status", msg.Status))
	}
	return errs
}

// --- Rate Limiter ---

// RateLimiter limits notifications per job per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per job.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
	}
}

// Allow checks if the job is within rate limits.
func (rl *RateLimiter) Allow(jobName string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0)
	for _, t := range rl.counts[jobName] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		return false
	}

	rl.counts[jobName] = append(recent, now)
	return true
}

// --- Helpers ---

func statusEmoji(status string) string {
	switch status {
	case "success":
		return "✅"
	case "failure":
		return "\U0001F534"
	case "aborted":
		return "⚪"
	case "timed-out":
		return "\U0001F7E1"
	default:
		return "⚪"
	}
}
