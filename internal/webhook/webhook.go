// Package webhook issues outbound HTTP calls for webhook-bound stages and
// decodes their JSON replies.
package webhook

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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 2
	maxErrorBody      = 4096
)

type Request struct {
	URL     string
	Method  string
	Payload map[string]any
	Headers map[string]string
}

// Caller performs one webhook round trip.
type Caller interface {
	Call(ctx context.Context, req Request) (map[string]any, error)
}

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook status %d: %s", e.StatusCode, e.Body)
}

var ErrBadReply = errors.New("webhook reply is not a JSON object")

type Invoker struct {
	Client  *http.Client
	Timeout time.Duration
	// MaxRetries of zero uses the default; negative disables retries.
	MaxRetries int
	Logger     *zap.Logger
}

func (i Invoker) timeout() time.Duration {
	if i.Timeout <= 0 {
		return defaultTimeout
	}
	return i.Timeout
}

func (i Invoker) client() *http.Client {
	if i.Client != nil {
		return i.Client
	}
	return &http.Client{Timeout: i.timeout()}
}

func (i Invoker) logger() *zap.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return zap.NewNop()
}

// Call sends req and decodes the reply. Transport failures are retried with
// exponential backoff; status and decoding failures are not. All attempts
// share one Timeout.
func (i Invoker) Call(ctx context.Context, req Request) (map[string]any, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("webhook url required")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported webhook method %q", req.Method)
	}
	retries := i.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout())
	defer cancel()
	delivery := uuid.NewString()
	log := i.logger().With(zap.String("url", req.URL), zap.String("method", method), zap.String("delivery", delivery))

	var reply map[string]any
	attempt := 0
	op := func() error {
		attempt++
		httpReq, err := build(ctx, method, req, delivery)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := i.client().Do(httpReq)
		if err != nil {
			log.Debug("webhook transport failure", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			return backoff.Permanent(&StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))})
		}
		var out map[string]any
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil || out == nil {
			return backoff.Permanent(ErrBadReply)
		}
		reply = out
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err != nil {
		log.Warn("webhook call failed", zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	log.Debug("webhook call ok", zap.Int("attempts", attempt))
	return reply, nil
}

func build(ctx context.Context, method string, req Request, delivery string) (*http.Request, error) {
	var httpReq *http.Request
	var err error
	if method == http.MethodGet {
		u, perr := url.Parse(req.URL)
		if perr != nil {
			return nil, perr
		}
		q := u.Query()
		for k, v := range req.Payload {
			q.Set(k, queryValue(v))
		}
		u.RawQuery = q.Encode()
		httpReq, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	} else {
		payload := req.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		data, merr := json.Marshal(payload)
		if merr != nil {
			return nil, merr
		}
		httpReq, err = http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(data))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Stageline-Delivery", delivery)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// queryValue renders strings as is and anything else as JSON.
func queryValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
