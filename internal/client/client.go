// Package client is the HTTP client for the letterlockd API, used by
// the letterctl command.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken installs the bearer token for authenticated calls.
func (c *Client) SetToken(token string) { c.token = token }

type SignupResult struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RecoveryCode string    `json:"recovery_code"`
	Note         string    `json:"note"`
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LetterMeta struct {
	ID                 string    `json:"id"`
	RecipientEmail     string    `json:"recipient_email"`
	DeliverAfter       time.Time `json:"deliver_after"`
	RecipientEncrypted bool      `json:"recipient_encrypted"`
	CreatedAt          time.Time `json:"created_at"`
}

type Letter struct {
	ID             string    `json:"id"`
	RecipientEmail string    `json:"recipient_email"`
	DeliverAfter   time.Time `json:"deliver_after"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Signature      string    `json:"signature"`
	Sketch         string    `json:"sketch,omitempty"`
}

type InboxEntry struct {
	ID           string    `json:"id"`
	DeliverAfter time.Time `json:"deliver_after"`
	Readable     bool      `json:"readable"`
}

type RecoveryResult struct {
	RecoveryCode string `json:"recovery_code"`
	Note         string `json:"note"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) Signup(ctx context.Context, email, password string) (*SignupResult, error) {
	var out SignupResult
	err := c.call(ctx, http.MethodPost, "/api/signup",
		map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var out LoginResult
	err := c.call(ctx, http.MethodPost, "/api/login",
		map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

func (c *Client) Seal(ctx context.Context, recipientEmail string, deliverAfter time.Time, title, body, signature, sketch string) (*LetterMeta, error) {
	var out LetterMeta
	err := c.call(ctx, http.MethodPost, "/api/letters", map[string]string{
		"recipient_email": recipientEmail,
		"deliver_after":   deliverAfter.Format(time.RFC3339),
		"title":           title,
		"body":            body,
		"signature":       signature,
		"sketch":          sketch,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Open(ctx context.Context, id string) (*Letter, error) {
	var out Letter
	if err := c.call(ctx, http.MethodGet, "/api/letters/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Outbox(ctx context.Context) ([]LetterMeta, error) {
	var out []LetterMeta
	if err := c.call(ctx, http.MethodGet, "/api/letters", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Inbox(ctx context.Context) ([]InboxEntry, error) {
	var out []InboxEntry
	if err := c.call(ctx, http.MethodGet, "/api/inbox", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RotateRecovery(ctx context.Context) (*RecoveryResult, error) {
	var out RecoveryResult
	if err := c.call(ctx, http.MethodPost, "/api/recovery", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResetPassword(ctx context.Context, email, recoveryCode, newPassword string) (*RecoveryResult, error) {
	var out RecoveryResult
	err := c.call(ctx, http.MethodPost, "/api/password/reset", map[string]string{
		"email":         email,
		"recovery_code": recoveryCode,
		"new_password":  newPassword,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
