package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/payflow/internal/domain"
)

const SignatureHeader = "X-Payflow-Signature"

// PermanentError marks a delivery the receiver rejected outright; it is not retried.
type PermanentError struct {
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("callback rejected with status %d", e.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(key []byte, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Sender POSTs signed callbacks through a circuit breaker and a rate limiter.
type Sender struct {
	client  *http.Client
	key     []byte
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewSender(client *http.Client, signingKey string, ratePerSecond float64, log *zap.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	s := &Sender{
		client:  client,
		key:     []byte(signingKey),
		limiter: rate.NewLimiter(limit, 1+int(ratePerSecond)),
		log:     log,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "callbacks",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var perm *PermanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("callback breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// Send delivers one outbox row. A 2xx response is success.
func (s *Sender) Send(ctx context.Context, msg domain.CallbackMessage) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, msg)
	})
	return err
}

func (s *Sender) post(ctx context.Context, msg domain.CallbackMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(msg.Payload))
	if err != nil {
		return &PermanentError{}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.EventKey)
	if len(s.key) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.key, msg.Payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("callback throttled with status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{StatusCode: resp.StatusCode}
	default:
		return fmt.Errorf("callback failed with status %d", resp.StatusCode)
	}
}
