// Package upstream talks to the training collaborator over HTTP.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/workflow"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

const maxBody = 1 << 20

// Client is an HTTP client for the training collaborator.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// NewClient returns a Client for the collaborator at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// BeginCollection asks the collaborator to start a collection session.
func (c *Client) BeginCollection(ctx context.Context, id workflow.Token, gesture string, target int) error {
	return c.command(ctx, "upstream.BeginCollection", "/training/collect/start",
		collectStartRequest{SessionID: id, GestureName: gesture, NumSamples: target})
}

// EndCollection asks the collaborator to stop a collection session.
func (c *Client) EndCollection(ctx context.Context, id workflow.Token) error {
	return c.command(ctx, "upstream.EndCollection", "/training/collect/stop", collectStopRequest{SessionID: id})
}

// BeginTraining asks the collaborator to train a model.
func (c *Client) BeginTraining(ctx context.Context, id workflow.Token) error {
	return c.command(ctx, "upstream.BeginTraining", "/training/train", trainRequest{JobID: id})
}

// SetMode switches the gesture controller's detection mode.
func (c *Client) SetMode(ctx context.Context, mode detection.Mode) error {
	return c.command(ctx, "upstream.SetMode", "/system/mode", modeRequest{Mode: mode})
}

// Status polls the collaborator's workflow state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	const op = "upstream.Status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/training/status", nil)
	if err != nil {
		return Status{}, workflow.Wrap(op, workflow.KindInvalidArgument, err)
	}
	body, err := c.do(op, req)
	if err != nil {
		return Status{}, err
	}

	var p statusPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Status{}, workflow.Wrap(op, workflow.KindProtocol, err)
	}
	st, err := p.validate()
	if err != nil {
		return Status{}, workflow.Wrap(op, workflow.KindProtocol, err)
	}
	return st, nil
}

func (c *Client) command(ctx context.Context, op, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return workflow.Wrap(op, workflow.KindInvalidArgument, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return workflow.Wrap(op, workflow.KindInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(op, req)
	if err != nil {
		return err
	}

	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return workflow.Wrap(op, workflow.KindProtocol, err)
	}
	if r.Status == "error" {
		return workflow.E(op, workflow.KindUpstreamFailure, "", "%s", r.Message)
	}
	return nil
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, workflow.Wrap(op, workflow.KindTransientConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, workflow.Wrap(op, workflow.KindTransientConnection, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var r reply
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &r) == nil && r.Message != "" {
			msg = r.Message
		}
		c.logger.Debug("collaborator rejected request",
			zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, workflow.E(op, workflow.KindUpstreamFailure, "", "%s: %s", resp.Status, msg)
	}
	return body, nil
}
