// Package sonar is the HTTP client for the analysis servers' read API.
package sonar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/service/ratelimiter"
)

// BackoffConfig shapes the retry schedule for one measures call.
type BackoffConfig struct {
	// MaxElapsedTime bounds the whole retry loop; 404s are retried until it
	// runs out because the server indexes a finished analysis asynchronously.
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxServerErrors bounds how many 5xx/transport failures are tolerated
	// before the call is given up as retryable-later.
	MaxServerErrors int
}

// Client fetches component measures with retry, 404 tolerance, and an
// optional per-instance rate limit.
type Client struct {
	httpClient *http.Client
	limiter    ratelimiter.Limiter
	backoff    BackoffConfig
}

// NewClient builds a measures client. limiter may be nil.
func NewClient(httpClient *http.Client, limiter ratelimiter.Limiter, cfg BackoffConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxServerErrors <= 0 {
		cfg.MaxServerErrors = 5
	}
	return &Client{httpClient: httpClient, limiter: limiter, backoff: cfg}
}

type measuresResponse struct {
	Component struct {
		Key      string `json:"key"`
		Measures []struct {
			Metric string `json:"metric"`
			Value  string `json:"value"`
		} `json:"measures"`
	} `json:"component"`
}

// FetchComponent fetches one chunk of metric keys for a component key.
// 5xx and transport errors retry up to MaxServerErrors; 404 retries until
// MaxElapsedTime; any other 4xx is permanent.
func (c *Client) FetchComponent(ctx domain.Context, instance domain.Instance, componentKey string, metricKeys []string) (map[string]string, error) {
	tracer := otel.Tracer("adapter.sonar")
	ctx, span := tracer.Start(ctx, "sonar.FetchComponent")
	defer span.End()
	span.SetAttributes(
		attribute.String("sonar.instance", instance.Name),
		attribute.String("sonar.component", componentKey),
		attribute.Int("sonar.metric_keys", len(metricKeys)),
	)

	endpoint := strings.TrimSuffix(instance.Host, "/") + "/api/measures/component?" + url.Values{
		"component":  {componentKey},
		"metricKeys": {strings.Join(metricKeys, ",")},
	}.Encode()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoff.InitialInterval
	expo.MaxInterval = c.backoff.MaxInterval
	if c.backoff.Multiplier > 0 {
		expo.Multiplier = c.backoff.Multiplier
	}
	expo.MaxElapsedTime = c.backoff.MaxElapsedTime

	serverErrors := 0
	var measures map[string]string
	op := func() error {
		if c.limiter != nil {
			allowed, retryAfter, _ := c.limiter.Allow(ctx, instance.Name, 1)
			if !allowed {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(retryAfter):
				}
				return fmt.Errorf("op=sonar.FetchComponent: %w", domain.ErrRateLimited)
			}
		}

		m, err := c.fetchOnce(ctx, endpoint, instance.Token)
		switch {
		case err == nil:
			measures = m
			return nil
		case domain.IsPermanent(err):
			return backoff.Permanent(err)
		case isServerSide(err):
			serverErrors++
			if serverErrors > c.backoff.MaxServerErrors {
				return backoff.Permanent(domain.NewTransientError(domain.ReasonMetricsFailed,
					fmt.Errorf("op=sonar.FetchComponent: %d server-side failures: %w", serverErrors, err)))
			}
			return err
		default:
			// 404: the analysis is not indexed yet, keep polling.
			return err
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if domain.IsPermanent(err) || isServerSide(err) {
			return nil, err
		}
		return nil, domain.NewTransientError(domain.ReasonMetricsFailed,
			fmt.Errorf("op=sonar.FetchComponent: component %s never appeared: %w", componentKey, err))
	}
	return measures, nil
}

func (c *Client) fetchOnce(ctx domain.Context, endpoint, token string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=sonar.fetchOnce: %w", err))
	}
	req.SetBasicAuth(token, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=sonar.fetchOnce: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("op=sonar.fetchOnce: %w", domain.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("op=sonar.fetchOnce: %w: %w", domain.ErrUpstreamUnavailable, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("op=sonar.fetchOnce: status %d: %w", resp.StatusCode, domain.ErrUpstreamUnavailable)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.NewPermanentError(domain.ReasonMetricsFailed,
			fmt.Errorf("op=sonar.fetchOnce: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed measuresResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("op=sonar.fetchOnce: decode: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	out := make(map[string]string, len(parsed.Component.Measures))
	for _, m := range parsed.Component.Measures {
		out[m.Metric] = m.Value
	}
	return out, nil
}

func isServerSide(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable)
}
