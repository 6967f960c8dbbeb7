package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	// Per-request timeout for venue REST calls.
	restRequestTimeout = 10 * time.Second
	// Whole-operation budget for a paginated candle fetch.
	restOperationBudget = 120 * time.Second
	// Back-off applied after a failed page before retrying.
	restErrorBackoff = 5 * time.Second
)

// restClient is the shared venue REST transport: one rate limiter pacing
// page requests and one circuit breaker absorbing persistent upstream
// failures.
type restClient struct {
	venue   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newRESTClient(venue string, rps float64, burst int) *restClient {
	settings := gobreaker.Settings{
		Name:     venue + "-rest",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &restClient{
		venue:   venue,
		http:    &http.Client{Timeout: restRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// getJSON performs a paced GET against endpoint with query params and decodes
// the response body into v.
func (c *restClient) getJSON(ctx context.Context, endpoint string, params url.Values, v interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		reqURL := endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		reqCtx, cancel := context.WithTimeout(ctx, restRequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, c.venue, resp.StatusCode, body)
		}

		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return nil, fmt.Errorf("%w: decode %s response: %v", ErrUpstream, c.venue, err)
		}
		return nil, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("venue", c.venue).Str("endpoint", endpoint).Msg("REST call failed")
	}
	return err
}

// paginate drives a page fetcher until it reports completion or the
// operation budget runs out. A failing page is retried after a back-off
// rather than aborting the whole fetch.
func paginate(ctx context.Context, venue string, fetch func(ctx context.Context) (done bool, err error)) error {
	ctx, cancel := context.WithTimeout(ctx, restOperationBudget)
	defer cancel()

	for {
		done, err := fetch(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue).Msg("candle page failed, backing off")
			select {
			case <-time.After(restErrorBackoff):
				continue
			case <-ctx.Done():
				return fmt.Errorf("%w: %s candle fetch budget exhausted: %v", ErrUpstream, venue, err)
			}
		}
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s candle fetch budget exhausted", ErrUpstream, venue)
		}
	}
}

// clampCandles enforces the fetch law: [startMS, endMS), ascending, no
// duplicate timestamps.
func clampCandles(candles []Candle, startMS, endMS int64) []Candle {
	out := candles[:0]
	var lastTS int64 = -1
	for _, c := range candles {
		if c.TimestampMS < startMS || c.TimestampMS >= endMS {
			continue
		}
		if c.TimestampMS == lastTS {
			continue
		}
		lastTS = c.TimestampMS
		out = append(out, c)
	}
	return out
}
