// Package sync pushes newly generated signals to the downstream
// distribution layer. Delivery is at-least-once with bounded retries;
// the receiver deduplicates by signal_id, and the pusher also suppresses
// local re-sends so one process never posts the same signal twice.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/models"
)

const tokenLifetime = 2 * time.Minute

// Pusher delivers sealed signals to the distribution endpoint
type Pusher struct {
	cfg        config.SyncConfig
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.Mutex
	pushed map[string]bool
}

// NewPusher creates a signal pusher from the sync configuration
func NewPusher(cfg config.SyncConfig, logger zerolog.Logger) *Pusher {
	return &Pusher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		logger: logger.With().Str("component", "sync").Logger(),
		pushed: make(map[string]bool),
	}
}

// mintToken signs a short-lived HS256 token from the shared secret
func (p *Pusher) mintToken(signalID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "signal-sync",
		ID:        signalID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		Issuer:    "consensus-bot",
	})

	signed, err := token.SignedString([]byte(p.cfg.SharedSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign push token: %w", err)
	}
	return signed, nil
}

// Push delivers one signal. Signals already delivered by this process are
// skipped silently. Server errors are retried with exponential backoff up
// to the configured attempt budget; client errors are terminal.
func (p *Pusher) Push(ctx context.Context, signal *models.Signal) error {
	if !p.cfg.Enabled {
		return nil
	}

	p.mu.Lock()
	if p.pushed[signal.SignalID] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal %s: %w", signal.SignalID, err)
	}

	operation := func() error {
		return p.post(ctx, signal.SignalID, body)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(500*time.Millisecond)),
			uint64(p.cfg.MaxRetries),
		),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		p.logger.Error().
			Str("signal_id", signal.SignalID).
			Err(err).
			Msg("Signal push failed after retries")
		return err
	}

	p.mu.Lock()
	p.pushed[signal.SignalID] = true
	p.mu.Unlock()

	p.logger.Info().
		Str("signal_id", signal.SignalID).
		Str("symbol", signal.Symbol).
		Msg("Signal pushed to distribution layer")
	return nil
}

func (p *Pusher) post(ctx context.Context, signalID string, body []byte) error {
	token, err := p.mintToken(signalID)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build push request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Signal-ID", signalID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Receiver already has this signal id
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("push rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("push failed with status %d", resp.StatusCode)
	}
}

// Delivered reports whether a signal id was already pushed by this process
func (p *Pusher) Delivered(signalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushed[signalID]
}
