package github

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/user/issuebot/pkg/logger"
)

const (
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
	headerRateResource  = "X-RateLimit-Resource"

	resourceCore    = "core"
	resourceGraphQL = "graphql"
)

// bucket is the last observed state of one rate limit resource.
type bucket struct {
	remaining int
	reset     time.Time
}

// rateTransport tracks GitHub's rate limit headers per resource, waits for
// the window to reset when a request's budget drops to the threshold, and
// turns non-2xx responses into classified errors. REST and GraphQL are
// separate buckets on GitHub's side, so a low core budget never gates
// GraphQL queries.
type rateTransport struct {
	base      http.RoundTripper
	threshold int
	maxWait   time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	buckets map[string]bucket
}

func newRateTransport(base http.RoundTripper, threshold int, maxWait time.Duration) *rateTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rateTransport{
		base:      base,
		threshold: threshold,
		maxWait:   maxWait,
		now:       time.Now,
		sleep:     sleepContext,
		buckets:   make(map[string]bucket),
	}
}

// requestResource guesses the rate limit resource a request is charged to.
func requestResource(req *http.Request) string {
	if strings.HasSuffix(strings.TrimSuffix(req.URL.Path, "/"), "/graphql") {
		return resourceGraphQL
	}
	return resourceCore
}

// RoundTrip implements http.RoundTripper.
func (t *rateTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resource := requestResource(req)
	if err := t.wait(req.Context(), resource); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.record(resource, resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body := resp.Body
	apiErr := t.statusError(resp)
	_ = body.Close()
	return nil, apiErr
}

func (t *rateTransport) wait(ctx context.Context, resource string) error {
	t.mu.Lock()
	b, known := t.buckets[resource]
	t.mu.Unlock()
	if !known || b.remaining > t.threshold {
		return nil
	}
	d := b.reset.Sub(t.now())

	if d <= 0 {
		return nil
	}
	if d > t.maxWait {
		return &APIError{
			Kind:       ErrRateLimited,
			Message:    fmt.Sprintf("%s rate limit budget exhausted until %s", resource, b.reset.UTC().Format(time.RFC3339)),
			RetryAfter: d,
		}
	}

	// Up to 10% jitter so that workers do not resume in lockstep.
	d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	logger.Warn().Str("resource", resource).Dur("wait", d).Msg("GitHub rate limit low, waiting for reset")
	return t.sleep(ctx, d)
}

// record stores the budget reported by a response. The resource header wins
// over the one guessed from the request.
func (t *rateTransport) record(resource string, h http.Header) {
	if r := strings.ToLower(h.Get(headerRateResource)); r != "" {
		resource = r
	}
	remaining, err := strconv.Atoi(h.Get(headerRateRemaining))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get(headerRateReset), 10, 64)
	if err != nil {
		return
	}

	t.mu.Lock()
	t.buckets[resource] = bucket{remaining: remaining, reset: time.Unix(reset, 0)}
	t.mu.Unlock()
}

func (t *rateTransport) statusError(resp *http.Response) *APIError {
	err := github.CheckResponse(resp)

	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
	)
	switch {
	case errors.As(err, &rateErr):
		return &APIError{
			Kind:       ErrRateLimited,
			StatusCode: resp.StatusCode,
			Message:    rateErr.Message,
			RetryAfter: rateErr.Rate.Reset.Time.Sub(t.now()),
		}
	case errors.As(err, &abuseErr):
		apiErr := &APIError{Kind: ErrRateLimited, StatusCode: resp.StatusCode, Message: abuseErr.Message}
		if abuseErr.RetryAfter != nil {
			apiErr.RetryAfter = *abuseErr.RetryAfter
		}
		return apiErr
	}

	msg := http.StatusText(resp.StatusCode)
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Message != "" {
		msg = errResp.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: ErrFatal, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: ErrRateLimited, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: ErrFatal, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{Kind: ErrNotFound, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode >= 500:
		return &APIError{Kind: ErrTransient, StatusCode: resp.StatusCode, Message: msg}
	default:
		return &APIError{Kind: ErrTransient, StatusCode: resp.StatusCode, Message: msg}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
