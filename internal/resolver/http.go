package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
	"github.com/sga-jerrylin/DKR-SGA/pkg/resilience"
)

const maxErrorBody = 512

// ocrResponse is the OCR service's per-image payload.
type ocrResponse struct {
	Success        bool     `json:"success"`
	Text           *string  `json:"text"`
	ProcessingTime *float64 `json:"processing_time"`
	Error          *string  `json:"error"`
}

func (r ocrResponse) resolution(elapsed time.Duration) Resolution {
	res := Resolution{Success: r.Success, Elapsed: elapsed}
	if r.Text != nil {
		res.Text = *r.Text
	}
	if r.Error != nil {
		res.Error = *r.Error
	}
	if r.ProcessingTime != nil {
		res.Elapsed = time.Duration(*r.ProcessingTime * float64(time.Second))
	}
	if res.Success && strings.TrimSpace(res.Text) == "" {
		res.Success = false
		if res.Error == "" {
			res.Error = "empty text"
		}
	}
	return res
}

// HTTPResolver calls the OCR service's /ocr/image and /ocr/batch endpoints.
// Calls are rate limited, retried on transient failures and guarded by a
// circuit breaker.
type HTTPResolver struct {
	endpoint string
	cfg      config.ResolverConfig
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewHTTPResolver(cfg config.ResolverConfig, m *metrics.Metrics) *HTTPResolver {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	r := &HTTPResolver{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		metrics: m,
		logger:  slog.Default().With("component", "ocr-resolver", "endpoint", cfg.Endpoint),
	}
	r.breaker = resilience.NewCircuitBreaker("ocr", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		IsFailure:        apperrors.IsRetryable,
		OnStateChange: func(name string, _, to resilience.State) {
			m.SetBreakerState(name, int(to))
		},
	})
	return r
}

func (r *HTTPResolver) Resolve(ctx context.Context, img Image) (Resolution, error) {
	var res Resolution
	err := r.call(ctx, "ocr.image", func(ctx context.Context) error {
		start := time.Now()
		body, ctype, err := r.form("file", []Image{img})
		if err != nil {
			return err
		}
		var payload ocrResponse
		if err := r.post(ctx, "/ocr/image", body, ctype, &payload); err != nil {
			return err
		}
		res = payload.resolution(time.Since(start))
		return nil
	})
	if err != nil {
		r.metrics.ResolverRequest("error")
		return Resolution{}, err
	}
	r.metrics.ResolverRequest(outcome(res))
	if !res.Success {
		r.logger.Warn("page not resolved", "frame", img.Frame, "error", res.Error)
	}
	return res, nil
}

// ResolveBatch sends all images in one request. The service's list is
// returned as is; callers check its length against the input.
func (r *HTTPResolver) ResolveBatch(ctx context.Context, imgs []Image) ([]Resolution, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	var out []Resolution
	err := r.call(ctx, "ocr.batch", func(ctx context.Context) error {
		start := time.Now()
		body, ctype, err := r.form("files", imgs)
		if err != nil {
			return err
		}
		var payload []ocrResponse
		if err := r.post(ctx, "/ocr/batch", body, ctype, &payload); err != nil {
			return err
		}
		elapsed := time.Since(start)
		out = make([]Resolution, len(payload))
		for i, p := range payload {
			out[i] = p.resolution(elapsed)
		}
		return nil
	})
	if err != nil {
		r.metrics.ResolverRequest("error")
		return nil, err
	}
	for _, res := range out {
		r.metrics.ResolverRequest(outcome(res))
	}
	return out, nil
}

// Health probes GET /health.
func (r *HTTPResolver) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.ErrResolverUnavailable, "health check: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrResolverUnavailable, "health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (r *HTTPResolver) BreakerState() resilience.State { return r.breaker.State() }

func (r *HTTPResolver) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, name, r.retry, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			return fn(ctx)
		})
	})
}

func (r *HTTPResolver) form(field string, imgs []Image) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, img := range imgs {
		part, err := w.CreateFormFile(field, fmt.Sprintf("frame_%06d.png", img.Frame))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.PNG); err != nil {
			return nil, "", err
		}
	}
	fields := map[string]string{
		"prompt":     r.cfg.Prompt,
		"base_size":  strconv.Itoa(r.cfg.BaseSize),
		"image_size": strconv.Itoa(r.cfg.ImageSize),
		"crop_mode":  strconv.FormatBool(r.cfg.CropMode),
	}
	for _, k := range []string{"prompt", "base_size", "image_size", "crop_mode"} {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// post sends the form and decodes a 200 response into out. Network errors,
// 429 and 5xx are retryable; other statuses are not.
func (r *HTTPResolver) post(ctx context.Context, path string, body *bytes.Buffer, ctype string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ctype)
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Newf(apperrors.ErrResolverUnavailable, "POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := fmt.Sprintf("POST %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apperrors.New(apperrors.ErrResolverUnavailable, text)
		}
		return apperrors.New(apperrors.ErrInvalidInput, text)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("POST %s: decoding response: %w", path, err)
	}
	return nil
}

func outcome(res Resolution) string {
	if res.Success {
		return "success"
	}
	return "failure"
}
