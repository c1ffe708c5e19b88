// Command loadtest drives a running Lens backend through the Go SDK: a
// pool of workers, one capture session each, emitting a configurable mix
// of errors, session events, and network events.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lenshq/backend/pkg/sdk"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	Endpoint       string
	APIKey         string
	NumEvents      int
	Concurrency    int
	ErrorRate      float64
	FlushEvery     int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	Sent          uint64
	Accepted      uint64
	Rejected      uint64
	Dropped       uint64
	FlushFailures uint64
	OfflineLeft   uint64

	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MinLatency          time.Duration
	MaxLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

var sampleErrors = []struct {
	message string
	class   string
	stack   string
}{
	{
		"TypeError: Cannot read properties of undefined (reading 'map')",
		"TypeError",
		"TypeError: Cannot read properties of undefined (reading 'map')\n    at ProductList (app:///src/components/ProductList.tsx:42:18)\n    at renderWithHooks (app:///node_modules/react-dom/cjs/react-dom.development.js:14985:18)",
	},
	{
		"NetworkError: Failed to fetch",
		"NetworkError",
		"NetworkError: Failed to fetch\n    at fetchCart (app:///src/api/cart.ts:18:9)\n    at async loadCart (app:///src/store/cart.ts:55:20)",
	},
	{
		"ReferenceError: analytics is not defined",
		"ReferenceError",
		"ReferenceError: analytics is not defined\n    at trackPageView (app:///src/lib/tracking.js:7:3)",
	},
	{
		"Error: Request timed out after 30000ms",
		"TimeoutError",
		"Error: Request timed out after 30000ms\n    at Timeout._onTimeout (app:///src/lib/http.ts:91:15)",
	},
}

var samplePages = []string{
	"https://shop.example.com/",
	"https://shop.example.com/products",
	"https://shop.example.com/products/42",
	"https://shop.example.com/cart",
	"https://shop.example.com/checkout",
}

var sampleEndpoints = []string{
	"/api/products",
	"/api/cart",
	"/api/checkout",
	"/api/user/profile",
	"/api/recommendations",
}

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080", "Lens backend base URL")
	apiKey := flag.String("key", "", "Project API key (required)")
	numEvents := flag.Int("events", 1000, "Total events to emit")
	concurrency := flag.Int("concurrency", 10, "Concurrent workers, one session each")
	errorRate := flag.Float64("error-rate", 0.2, "Fraction of events captured as errors")
	flushEvery := flag.Int("flush-every", 50, "Events between forced flushes per worker")
	reportInterval := flag.Duration("report", 5*time.Second, "Progress reporting interval")
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	config := LoadTestConfig{
		Endpoint:       *endpoint,
		APIKey:         *apiKey,
		NumEvents:      *numEvents,
		Concurrency:    *concurrency,
		ErrorRate:      *errorRate,
		FlushEvery:     *flushEvery,
		ReportInterval: *reportInterval,
	}

	fmt.Printf("🚀 Lens capture load test: %d events, %d workers, %.0f%% errors -> %s\n",
		config.NumEvents, config.Concurrency, config.ErrorRate*100, config.Endpoint)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	work := make(chan int, config.NumEvents)
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, workerID, config, stats, work, &latencies, &latenciesMu)
		}(i)
	}

	for i := 0; i < config.NumEvents; i++ {
		work <- i
	}
	close(work)

	wg.Wait()
	stats.TotalDuration = time.Since(startTime)
	stats.ThroughputPerSecond = float64(atomic.LoadUint64(&stats.Sent)) / stats.TotalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func runWorker(
	ctx context.Context,
	workerID int,
	config LoadTestConfig,
	stats *LoadTestStats,
	work <-chan int,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	client, err := sdk.NewClient(sdk.Config{
		Endpoint: config.Endpoint,
		APIKey:   config.APIKey,
		UserID:   fmt.Sprintf("loadtest-user-%d", workerID),
		OnResult: func(kind string, result sdk.CaptureResult) {
			atomic.AddUint64(&stats.Accepted, uint64(result.Accepted))
			atomic.AddUint64(&stats.Rejected, uint64(len(result.Rejected)))
		},
		OnDrop: func(kind string, count int) {
			atomic.AddUint64(&stats.Dropped, uint64(count))
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker %d: client init failed: %v\n", workerID, err)
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	emitted := 0
	for idx := range work {
		if err := emit(client, rng, config.ErrorRate, idx); err == nil {
			atomic.AddUint64(&stats.Sent, 1)
		}
		emitted++
		if config.FlushEvery > 0 && emitted%config.FlushEvery == 0 {
			flushOnce(ctx, client, stats, latencies, latenciesMu)
		}
	}

	flushOnce(ctx, client, stats, latencies, latenciesMu)
	atomic.AddUint64(&stats.OfflineLeft, uint64(client.Offline().Total()))
	_ = client.Close()
}

func emit(client *sdk.Client, rng *rand.Rand, errorRate float64, idx int) error {
	if rng.Float64() < errorRate {
		sample := sampleErrors[rng.Intn(len(sampleErrors))]
		severity := sdk.SeverityError
		if rng.Intn(10) == 0 {
			severity = sdk.SeverityFatal
		}
		return client.CaptureError(sdk.ErrorEvent{
			Message:    sample.message,
			ErrorClass: sample.class,
			StackTrace: sample.stack,
			URL:        samplePages[rng.Intn(len(samplePages))],
			UserAgent:  "loadtest/1.0",
			Severity:   severity,
		})
	}

	if idx%2 == 0 {
		return client.CaptureSessionEvent(sdk.SessionEvent{
			EventType: "click",
			Data: map[string]interface{}{
				"selector": fmt.Sprintf("#button-%d", rng.Intn(20)),
				"page":     samplePages[rng.Intn(len(samplePages))],
			},
		})
	}

	status := 200
	if rng.Intn(20) == 0 {
		status = 500
	}
	elapsed := int64(5 + rng.Intn(400))
	return client.CaptureNetworkEvent(sdk.NetworkEvent{
		Method:       "GET",
		URL:          sampleEndpoints[rng.Intn(len(sampleEndpoints))],
		StatusCode:   &status,
		ResponseTime: &elapsed,
	})
}

func flushOnce(ctx context.Context, client *sdk.Client, stats *LoadTestStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) {
	start := time.Now()
	err := client.Flush(ctx)
	latency := time.Since(start)
	if err != nil {
		atomic.AddUint64(&stats.FlushFailures, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Printf("Progress: sent=%d accepted=%d rejected=%d dropped=%d flush_failures=%d\n",
				atomic.LoadUint64(&stats.Sent),
				atomic.LoadUint64(&stats.Accepted),
				atomic.LoadUint64(&stats.Rejected),
				atomic.LoadUint64(&stats.Dropped),
				atomic.LoadUint64(&stats.FlushFailures))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	sent := stats.Sent
	if sent == 0 {
		sent = 1
	}

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Events Sent:            %d\n", stats.Sent)
	fmt.Printf("Accepted:               %d (%.2f%%)\n", stats.Accepted, float64(stats.Accepted)/float64(sent)*100)
	fmt.Printf("Rejected:               %d\n", stats.Rejected)
	fmt.Printf("Dropped:                %d\n", stats.Dropped)
	fmt.Printf("Left Offline:           %d\n", stats.OfflineLeft)
	fmt.Printf("Flush Failures:         %d\n", stats.FlushFailures)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f events/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Flush Latency (min):    %v\n", stats.MinLatency)
	fmt.Printf("Flush Latency (avg):    %v\n", stats.AvgLatency)
	fmt.Printf("Flush Latency (p95):    %v\n", stats.P95Latency)
	fmt.Printf("Flush Latency (p99):    %v\n", stats.P99Latency)
	fmt.Printf("Flush Latency (max):    %v\n", stats.MaxLatency)
	fmt.Println(separator)

	acceptRate := float64(stats.Accepted) / float64(sent) * 100
	if acceptRate >= 99 {
		fmt.Println("✅ PASS: Accept rate meets target (>99%)")
	} else {
		fmt.Println("❌ FAIL: Accept rate below target (<99%)")
	}

	if stats.P95Latency < 250*time.Millisecond {
		fmt.Println("✅ PASS: P95 flush latency meets target (<250ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 flush latency above target (>250ms)")
	}

	if stats.OfflineLeft == 0 && stats.FlushFailures == 0 {
		fmt.Println("✅ PASS: No events stranded offline")
	} else {
		fmt.Println("⚠️  WARN: Some events never reached the backend")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
