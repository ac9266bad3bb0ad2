package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	vendors     int
)

// Metrics
var (
	totalRequests uint64
	matched201    uint64
	noMatch404    uint64 // No candidate payout
	fail409       uint64 // Lost every allocation attempt
	failOther     uint64
	latencyNanos  uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&vendors, "vendors", 3, "Vendors seeded by the seeder")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for n := 0; time.Since(start) < duration; n++ {
		vendor, amount := generatePayin()
		payload := map[string]interface{}{
			"reference":    fmt.Sprintf("bench-%d-%d-%d", id, n, time.Now().UnixNano()),
			"vendor":       vendor,
			"payer_handle": fmt.Sprintf("payer-%d-%d", id, rand.Intn(50)),
			"amount":       amount,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/payins", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		sent := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&latencyNanos, uint64(time.Since(sent)))

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&matched201, 1)
		case 404:
			atomic.AddUint64(&noMatch404, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generatePayin() (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic races for the same vendor with small splits
		if rand.Float32() < 0.90 {
			return "vendor-1", "50.00"
		}
	}
	vendor := fmt.Sprintf("vendor-%d", rand.Intn(vendors)+1)
	return vendor, fmt.Sprintf("%d.00", (rand.Intn(20)+1)*50)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	m201 := atomic.LoadUint64(&matched201)
	n404 := atomic.LoadUint64(&noMatch404)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	var tps, abortRate, meanMs float64
	if total > 0 {
		tps = float64(total) / d.Seconds()
		abortRate = float64(f409) / float64(total) * 100
		meanMs = float64(atomic.LoadUint64(&latencyNanos)) / float64(total) / 1e6
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"matched":         m201,
		"unmatched":       n404,
		"aborts_conflict": f409,
		"abort_rate_pct":  abortRate,
		"mean_latency_ms": meanMs,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
