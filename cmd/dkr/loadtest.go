package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type loadtestOptions struct {
	baseURL     string
	docID       string
	apiKey      string
	concurrency int
	duration    time.Duration
	topK        int
	window      int
	queries     []string
}

// loadStats is shared by all workers.
type loadStats struct {
	total     atomic.Int64
	success   atomic.Int64
	failures  atomic.Int64
	cachedAll atomic.Int64

	mu          sync.Mutex
	latencies   []time.Duration
	statusCodes map[int]int64
}

func newLoadStats() *loadStats {
	return &loadStats{
		latencies:   make([]time.Duration, 0, 4096),
		statusCodes: make(map[int]int64),
	}
}

func (s *loadStats) record(d time.Duration, status int, fullyCached bool, err error) {
	s.total.Add(1)
	if err != nil {
		s.failures.Add(1)
		return
	}
	if status >= 200 && status < 300 {
		s.success.Add(1)
	} else {
		s.failures.Add(1)
	}
	if fullyCached {
		s.cachedAll.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.statusCodes[status]++
	s.mu.Unlock()
}

func newLoadtestCmd() *cobra.Command {
	var opts loadtestOptions

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive concurrent searches against a running query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.docID == "" {
				return errors.New("--doc-id is required")
			}
			if len(opts.queries) == 0 {
				return errors.New("at least one --query is required")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== dkr load test ===")
			fmt.Fprintf(out, "Target:      %s (document %s)\n", opts.baseURL, opts.docID)
			fmt.Fprintf(out, "Concurrency: %d\nDuration:    %s\nQueries:     %d unique\n\n", opts.concurrency, opts.duration, len(opts.queries))

			stats, err := runLoadTest(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printLoadReport(out, stats, opts.duration)
		},
	}

	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "Base URL of the query API")
	cmd.Flags().StringVar(&opts.docID, "doc-id", "", "Document to query")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key, when the server requires one")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "Concurrent workers")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 3, "Core pages per search")
	cmd.Flags().IntVarP(&opts.window, "window", "w", 1, "Context window per search")
	cmd.Flags().StringArrayVarP(&opts.queries, "query", "q", nil, "Query to send (repeatable)")
	return cmd
}

func runLoadTest(parent context.Context, opts loadtestOptions) (*loadStats, error) {
	stats := newLoadStats()
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        opts.concurrency * 2,
			MaxIdleConnsPerHost: opts.concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	base, err := url.JoinPath(opts.baseURL, "api", "v1", "documents", url.PathEscape(opts.docID), "search")
	if err != nil {
		return nil, fmt.Errorf("building search url: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, opts.duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.concurrency {
		g.Go(func() error {
			for i := w; gctx.Err() == nil; i++ {
				q := url.Values{}
				q.Set("q", opts.queries[i%len(opts.queries)])
				q.Set("k", fmt.Sprint(opts.topK))
				q.Set("w", fmt.Sprint(opts.window))
				req, err := http.NewRequestWithContext(gctx, http.MethodGet, base+"?"+q.Encode(), nil)
				if err != nil {
					return err
				}
				if opts.apiKey != "" {
					req.Header.Set("X-API-Key", opts.apiKey)
				}
				start := time.Now()
				status, cached, err := doSearch(client, req)
				if gctx.Err() != nil {
					return nil
				}
				stats.record(time.Since(start), status, cached, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// doSearch reports the status and whether every returned page came from
// the cache.
func doSearch(client *http.Client, req *http.Request) (int, bool, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, false, nil
	}
	var body struct {
		Pages []struct {
			FromCache bool `json:"resolved_from_cache"`
		} `json:"pages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return resp.StatusCode, false, fmt.Errorf("decoding response: %w", err)
	}
	cached := len(body.Pages) > 0
	for _, p := range body.Pages {
		cached = cached && p.FromCache
	}
	return resp.StatusCode, cached, nil
}

func printLoadReport(out io.Writer, stats *loadStats, duration time.Duration) error {
	total := stats.total.Load()
	fmt.Fprintln(out, "=== Results ===")
	fmt.Fprintf(out, "Total Requests:  %d\n", total)
	fmt.Fprintf(out, "Successful:      %d\n", stats.success.Load())
	fmt.Fprintf(out, "Errors:          %d\n", stats.failures.Load())
	fmt.Fprintf(out, "Fully cached:    %d\n", stats.cachedAll.Load())
	if total == 0 {
		return errors.New("no requests completed, is the API running?")
	}
	fmt.Fprintf(out, "Error Rate:      %.2f%%\n", float64(stats.failures.Load())/float64(total)*100)
	fmt.Fprintf(out, "Requests/sec:    %.2f\n", float64(total)/duration.Seconds())

	stats.mu.Lock()
	latencies := slices.Clone(stats.latencies)
	codes := make(map[int]int64, len(stats.statusCodes))
	for k, v := range stats.statusCodes {
		codes[k] = v
	}
	stats.mu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		var sq float64
		for _, l := range latencies {
			d := float64(l - avg)
			sq += d * d
		}
		fmt.Fprintln(out, "\n=== Latency ===")
		fmt.Fprintf(out, "Min:    %s\n", latencies[0])
		fmt.Fprintf(out, "Avg:    %s\n", avg)
		for _, p := range []float64{50, 90, 95, 99} {
			fmt.Fprintf(out, "P%-2.0f:    %s\n", p, percentile(latencies, p))
		}
		fmt.Fprintf(out, "Max:    %s\n", latencies[len(latencies)-1])
		fmt.Fprintf(out, "StdDev: %s\n", time.Duration(math.Sqrt(sq/float64(len(latencies)))))
	}

	fmt.Fprintln(out, "\n=== Status Codes ===")
	keys := make([]int, 0, len(codes))
	for k := range codes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %d: %d\n", k, codes[k])
	}
	return nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
