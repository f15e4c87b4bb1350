package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/chaterr"
)

type HTTPConfig struct {
	BaseURL         string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	MaxFailures     uint32
	OpenTimeout     time.Duration
}

type assignmentResponse struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	RequesterID string `json:"requesterId"`
	VolunteerID string `json:"volunteerId"`
}

// HTTPSource asks the request service over HTTP, retrying 5xx and transport
// errors with exponential backoff behind a circuit breaker.
type HTTPSource struct {
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	conf HTTPConfig
	log  *zap.Logger
}

func NewHTTPSource(conf HTTPConfig, logger *zap.Logger) *HTTPSource {
	if conf.Timeout == 0 {
		conf.Timeout = 5 * time.Second
	}
	if conf.RetryMaxElapsed == 0 {
		conf.RetryMaxElapsed = 3 * time.Second
	}
	if conf.MaxFailures == 0 {
		conf.MaxFailures = 5
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    50,
		IdleConnTimeout: 90 * time.Second,
	}
	st := gobreaker.Settings{
		Name:        "request-service",
		MaxRequests: 1,
		Timeout:     conf.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.MaxFailures
		},
		// a request that is simply not approved is a healthy answer
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, chaterr.ErrNotApproved)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &HTTPSource{
		http: &http.Client{Transport: tr, Timeout: conf.Timeout},
		cb:   gobreaker.NewCircuitBreaker(st),
		conf: conf,
		log:  logger,
	}
}

func (s *HTTPSource) GetApprovedAssignment(ctx context.Context, requestID string) (*Assignment, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.fetchWithRetry(ctx, requestID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("request service unavailable: %w", err)
		}
		return nil, err
	}
	return out.(*Assignment), nil
}

func (s *HTTPSource) fetchWithRetry(ctx context.Context, requestID string) (*Assignment, error) {
	endpoint := fmt.Sprintf("%s/requests/%s/assignment", s.conf.BaseURL, url.PathEscape(requestID))

	var res assignmentResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		r, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()

		switch {
		case r.StatusCode == http.StatusNotFound || r.StatusCode == http.StatusConflict:
			return backoff.Permanent(chaterr.ErrNotApproved)
		case r.StatusCode >= 500:
			// drain so the connection can be reused
			_, _ = io.Copy(io.Discard, r.Body)
			return fmt.Errorf("request service status %d", r.StatusCode)
		case r.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("request service status %d", r.StatusCode))
		}
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			return backoff.Permanent(fmt.Errorf("decode assignment: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.conf.RetryMaxElapsed
	notify := func(err error, wait time.Duration) {
		s.log.Warn("assignment lookup retry", zap.String("request_id", requestID), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	if !isApproved(res.Status) || res.RequesterID == "" || res.VolunteerID == "" {
		return nil, chaterr.ErrNotApproved
	}
	return newAssignment(requestID, res.RequesterID, res.VolunteerID), nil
}
