package cache

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// retryPolicy decides which cache service requests are retried and how long
// to wait between attempts.
type retryPolicy struct {
	base float64

	now    func() time.Time
	jitter func() float64
}

func newRetryPolicy(base int) *retryPolicy {
	return &retryPolicy{
		base:   float64(base),
		now:    time.Now,
		jitter: rand.Float64,
	}
}

// newRetryClient wraps httpClient with retries of transient failures of the
// cache service. After the last attempt the final response is handed back
// unchanged so callers can report its status.
func newRetryClient(httpClient *http.Client, maxRetries int, minInterval, maxInterval time.Duration, policy *retryPolicy, logger *zap.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	client.RetryMax = maxRetries
	client.RetryWaitMin = minInterval
	client.RetryWaitMax = maxInterval
	client.CheckRetry = policy.checkRetry
	client.Backoff = policy.backoff
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{logger: logger.Sugar()}

	return client
}

// checkRetry adds request timeouts to the default policy, which retries
// connection errors, 429 and 5xx responses other than 501.
func (p *retryPolicy) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() == nil && err == nil && resp.StatusCode == http.StatusRequestTimeout {
		return true, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// backoff returns the wait before the next attempt. Retry-After wins over the
// exponential backoff; both are capped by maxInterval.
func (p *retryPolicy) backoff(minInterval, maxInterval time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait, ok := p.retryAfter(resp.Header.Get("Retry-After"), maxInterval); ok {
			return wait
		}
	}

	upper := float64(minInterval) * math.Pow(p.base, float64(attempt))
	if upper > float64(maxInterval) {
		upper = float64(maxInterval)
	}
	lower := float64(minInterval)
	if upper <= lower {
		return time.Duration(upper)
	}

	return time.Duration(lower + (upper-lower)*p.jitter())
}

func (p *retryPolicy) retryAfter(value string, maxInterval time.Duration) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	var wait time.Duration
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if date, err := http.ParseTime(value); err == nil {
		wait = date.Sub(p.now())
	} else {
		return 0, false
	}

	if wait < 0 {
		wait = 0
	}
	if wait > maxInterval {
		wait = maxInterval
	}

	return wait, true
}

// leveledLogger sends the retry client logs to zap. Failed attempts are
// warnings, request tracing is debug.
type leveledLogger struct {
	logger *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}
