// Package odoo is the remote sync client for an Odoo discuss backend.
//
// It issues JSON-RPC calls (post message, read messages, read channel roster)
// and normalizes the backend's payloads into store types at the boundary.
// Failures are classified and returned; nothing is retried here.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/store"
)

const channelModel = "discuss.channel"

// messageFields are read for every mail.message record.
var messageFields = []string{
	"id", "body", "author_id", "date", "model", "res_id", "subject",
	"message_type", "attachment_ids",
}

// Options configures a Client.
type Options struct {
	URL      string
	Database string
	Login    string
	APIKey   string
	// UID skips the authenticate round trip when already known.
	UID     int64
	Timeout time.Duration
	// HTTPClient overrides the default client; its Jar is replaced if nil.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	db      string
	login   string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger

	mu  sync.Mutex
	uid int64

	seq atomic.Int64
}

// New creates a client. It performs no I/O.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if hc.Jar == nil {
		jar, _ := cookiejar.New(nil)
		hc.Jar = jar
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.URL, "/"),
		db:      opts.Database,
		login:   opts.Login,
		apiKey:  opts.APIKey,
		http:    hc,
		logger:  logger,
		uid:     opts.UID,
	}
}

// BaseURL returns the backend root URL without trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient returns the client used for requests, including its cookie jar.
func (c *Client) HTTPClient() *http.Client { return c.http }

// UID returns the authenticated user id, or 0 before Authenticate succeeds.
func (c *Client) UID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Authenticate resolves the user id for the configured login. It is a no-op
// when the id is already known.
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	if uid := c.UID(); uid != 0 {
		return uid, nil
	}
	var raw json.RawMessage
	err := c.call(ctx, "/jsonrpc", "authenticate", map[string]any{
		"service": "common",
		"method":  "authenticate",
		"args":    []any{c.db, c.login, c.apiKey, map[string]any{}},
	}, &raw)
	if err != nil {
		return 0, err
	}
	uid, ok := asInt64(decodeAny(raw))
	if !ok || uid == 0 {
		return 0, &AuthError{Message: "invalid login or api key for " + c.login}
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	c.logger.Info("authenticated", zap.Int64("uid", uid), zap.String("login", c.login))
	return uid, nil
}

// Ping checks that the backend answers with one unauthenticated round trip.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "/jsonrpc", "version", map[string]any{
		"service": "common",
		"method":  "version",
		"args":    []any{},
	}, nil)
}

// OpenSession establishes a cookie-backed web session, required by the
// websocket endpoint. The cookie is kept in the client's jar.
func (c *Client) OpenSession(ctx context.Context) error {
	var raw json.RawMessage
	return c.call(ctx, "/web/session/authenticate", "session", map[string]any{
		"db":       c.db,
		"login":    c.login,
		"password": c.apiKey,
	}, &raw)
}

// PostMessage posts body to a channel as a comment and returns the server id
// of the created message.
func (c *Client) PostMessage(ctx context.Context, channelID int64, body, subject string) (int64, error) {
	kwargs := map[string]any{
		"body":          body,
		"message_type":  "comment",
		"subtype_xmlid": "mail.mt_comment",
	}
	if subject != "" {
		kwargs["subject"] = subject
	}
	var raw json.RawMessage
	if err := c.executeKW(ctx, channelModel, "message_post", []any{[]int64{channelID}}, kwargs, &raw); err != nil {
		return 0, err
	}
	v := decodeAny(raw)
	// Some versions return the id wrapped in a one-element list.
	if list, ok := v.([]any); ok && len(list) == 1 {
		v = list[0]
	}
	id, ok := asInt64(v)
	if !ok || id == 0 {
		return 0, &ParseError{Field: "message_post.result", Value: v, Reason: "expected message id"}
	}
	return id, nil
}

// ReadMessages returns up to limit messages of a channel with id greater than
// sinceID, ascending by id. Records that fail normalization are skipped and logged.
func (c *Client) ReadMessages(ctx context.Context, channelID, sinceID int64, limit int) ([]store.Message, error) {
	domain := []any{
		[]any{"model", "=", channelModel},
		[]any{"res_id", "=", channelID},
		[]any{"id", ">", sinceID},
	}
	kwargs := map[string]any{
		"fields": messageFields,
		"order":  "id asc",
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	var rows []map[string]any
	if err := c.executeKW(ctx, "mail.message", "search_read", []any{domain}, kwargs, &rows); err != nil {
		return nil, err
	}

	msgs := make([]store.Message, 0, len(rows))
	for _, row := range rows {
		m, err := Normalize(row)
		if err != nil {
			c.logger.Warn("skipping malformed message", zap.Int64("channel_id", channelID), zap.Error(err))
			continue
		}
		if m.ChannelID == 0 {
			m.ChannelID = channelID
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

// ReadRecent returns the latest limit messages of a channel, ascending by id.
func (c *Client) ReadRecent(ctx context.Context, channelID int64, limit int) ([]store.Message, error) {
	domain := []any{
		[]any{"model", "=", channelModel},
		[]any{"res_id", "=", channelID},
	}
	kwargs := map[string]any{
		"fields": messageFields,
		"order":  "id desc",
		"limit":  limit,
	}
	var rows []map[string]any
	if err := c.executeKW(ctx, "mail.message", "search_read", []any{domain}, kwargs, &rows); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m, err := Normalize(rows[i])
		if err != nil {
			c.logger.Warn("skipping malformed message", zap.Int64("channel_id", channelID), zap.Error(err))
			continue
		}
		if m.ChannelID == 0 {
			m.ChannelID = channelID
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

// ReadChannels returns the channel roster visible to the user.
func (c *Client) ReadChannels(ctx context.Context) ([]store.Channel, error) {
	kwargs := map[string]any{
		"fields": []string{"id", "name", "channel_type", "member_count"},
		"order":  "name asc",
	}
	var rows []map[string]any
	if err := c.executeKW(ctx, channelModel, "search_read", []any{[]any{}}, kwargs, &rows); err != nil {
		return nil, err
	}
	channels := make([]store.Channel, 0, len(rows))
	for _, row := range rows {
		ch, err := NormalizeChannel(row)
		if err != nil {
			c.logger.Warn("skipping malformed channel", zap.Error(err))
			continue
		}
		channels = append(channels, *ch)
	}
	return channels, nil
}

func (c *Client) executeKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "/jsonrpc", model+"."+method, map[string]any{
		"service": "object",
		"method":  "execute_kw",
		"args":    []any{c.db, uid, c.apiKey, model, method, args, kwargs},
	}, out)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// call performs one JSON-RPC round trip. op names the call in errors and logs.
func (c *Client) call(ctx context.Context, path, op string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params,
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return fmt.Errorf("odoo %s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("odoo %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	c.logger.Debug("rpc", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Message: resp.Status}
	case resp.StatusCode >= 500:
		return &NetworkError{Op: op, Err: fmt.Errorf("http %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return &RPCError{Code: resp.StatusCode, Message: resp.Status}
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return &ParseError{Field: op + ".response", Value: truncate(string(body), 120), Reason: err.Error()}
	}
	if rr.Error != nil {
		if authExceptions[rr.Error.Data.Name] {
			return &AuthError{Message: firstNonEmpty(rr.Error.Data.Message, rr.Error.Message)}
		}
		return &RPCError{
			Code:    rr.Error.Code,
			Name:    rr.Error.Data.Name,
			Message: firstNonEmpty(rr.Error.Data.Message, rr.Error.Message),
		}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = rr.Result
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return &ParseError{Field: op + ".result", Value: truncate(string(rr.Result), 120), Reason: err.Error()}
	}
	return nil
}

func decodeAny(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
