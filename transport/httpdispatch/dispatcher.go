// Package httpdispatch delivers saga commands to participants over HTTP.
//
// Each command is POSTed as JSON to the endpoint configured for its command
// type, carrying an Idempotency-Key header. A participant answers in one of
// two ways: 200 with a sec.ResultMessage body reports the outcome directly,
// 202 means the outcome will arrive later through the coordinator's result
// callback. Other 4xx responses are rejections; 408, 429, 5xx and network
// errors are transport errors. Every endpoint sits behind its own circuit
// breaker.
package httpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fortressi/sec"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the per-endpoint circuit breakers.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Config describes where commands go.
type Config struct {
	// Endpoints maps a command type to its URL.
	Endpoints map[string]string `yaml:"endpoints"`
	// BaseURL, when set, serves command types without an explicit endpoint
	// at BaseURL/<command type>.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// Dispatcher is a sec.Dispatcher over HTTP.
type Dispatcher struct {
	cfg      Config
	client   *http.Client
	log      *zap.Logger
	breakers *xsync.MapOf[string, *gobreaker.CircuitBreaker]

	mu   sync.RWMutex
	sink sec.ReplySink
	wg   sync.WaitGroup
}

// New creates a dispatcher. A nil client uses a client with cfg.Timeout.
func New(cfg Config, client *http.Client, log *zap.Logger) *Dispatcher {
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		log:      log,
		breakers: xsync.NewMapOf[string, *gobreaker.CircuitBreaker](),
	}
}

// Bind sets the sink synchronous replies are reported to.
func (d *Dispatcher) Bind(sink sec.ReplySink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Wait blocks until every in-flight request has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) endpoint(commandType sec.CommandType) (string, error) {
	if url, ok := d.cfg.Endpoints[string(commandType)]; ok {
		return url, nil
	}
	if d.cfg.BaseURL != "" {
		return strings.TrimRight(d.cfg.BaseURL, "/") + "/" + string(commandType), nil
	}
	return "", fmt.Errorf("no endpoint configured for command type %s", commandType)
}

func (d *Dispatcher) breaker(url string) *gobreaker.CircuitBreaker {
	cb, _ := d.breakers.LoadOrCompute(url, func() *gobreaker.CircuitBreaker {
		cfg := d.cfg.Breaker
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        url,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Warn("participant circuit breaker changed state",
					zap.String("endpoint", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
			IsSuccessful: func(err error) bool {
				// Rejections are business outcomes, not endpoint failures.
				var rejection *sec.ParticipantRejection
				return err == nil || errors.As(err, &rejection)
			},
		})
	})
	return cb
}

// Send resolves the endpoint and posts the command in the background.
func (d *Dispatcher) Send(ctx context.Context, cmd sec.Command) error {
	url, err := d.endpoint(cmd.Type)
	if err != nil {
		return err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink == nil {
		return errors.New("http dispatcher has no reply sink bound")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, reply := d.post(url, cmd, body)
		if !reply {
			return
		}
		if err := sink.OnStepResult(context.Background(), res); err != nil {
			d.log.Warn("deliver step result", zap.Stringer("saga_id", cmd.InstanceID), zap.Error(err))
		}
	}()
	return nil
}

// post performs the request and reports whether it produced a result now.
func (d *Dispatcher) post(url string, cmd sec.Command, body []byte) (sec.StepResult, bool) {
	ctx := context.Background()
	if !cmd.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, cmd.Deadline)
		defer cancel()
	}

	var accepted bool
	out, err := d.breaker(url).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", cmd.IdempotencyKey)

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusAccepted:
			accepted = true
			return nil, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("participant returned %s", resp.Status)
		default:
			reason := strings.TrimSpace(string(data))
			if reason == "" {
				reason = resp.Status
			}
			return nil, sec.Reject(reason, false)
		}
	})

	var rejection *sec.ParticipantRejection
	switch {
	case errors.As(err, &rejection):
		return cmd.Result(rejection, nil), true
	case err != nil:
		d.log.Debug("command delivery failed", zap.String("endpoint", url), zap.String("step", cmd.StepName), zap.Error(err))
		return cmd.Result(sec.NewTransportError(err), nil), true
	case accepted:
		return sec.StepResult{}, false
	}

	data, _ := out.([]byte)
	if len(bytes.TrimSpace(data)) == 0 {
		return cmd.Result(nil, nil), true
	}
	res, err := sec.DecodeResult(data)
	if err != nil {
		return cmd.Result(sec.NewTransportError(err), nil), true
	}
	return res, true
}
