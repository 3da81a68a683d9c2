// Benchmark tool for driving sarflow with labelled alerts.
//
// Usage:
//
//	go run ./cmd/benchmark -n 500 -url http://localhost:8080
//	go run ./cmd/benchmark -jsonl alerts.jsonl
//
// This tool:
//  1. Reads labelled alerts from a JSON-lines file, or synthesizes a mix of
//     structuring, corridor and clean alerts
//  2. Sends each alert to POST /alerts
//  3. Treats a drafted case as a detection and a 422 rejection as none
//  4. Reports the confusion matrix, status counts and latency percentiles
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// LabelledAlert is one benchmark input line.
type LabelledAlert struct {
	Suspicious bool          `json:"suspicious"`
	Alert      *domain.Alert `json:"alert"`
}

// AlertResponse is the subset of the POST /alerts reply the benchmark reads.
type AlertResponse struct {
	CaseID    string  `json:"case_id"`
	Status    string  `json:"status"`
	RiskScore float64 `json:"risk_score"`
	RiskLevel string  `json:"risk_level"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu sync.Mutex

	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	Errors    int
	Statuses  map[string]int
	Levels    map[string]int
	Latencies []time.Duration
}

func (m *Metrics) record(suspicious bool, resp *AlertResponse, detected bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Latencies = append(m.Latencies, latency)
	switch {
	case detected && suspicious:
		m.TruePositives++
	case detected && !suspicious:
		m.FalsePositives++
	case !detected && !suspicious:
		m.TrueNegatives++
	default:
		m.FalseNegatives++
	}
	if resp != nil {
		m.Statuses[resp.Status]++
		m.Levels[resp.RiskLevel]++
	} else {
		m.Statuses["REJECTED"]++
	}
}

func (m *Metrics) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors++
}

func main() {
	// Parse flags
	jsonlPath := flag.String("jsonl", "", "Path to labelled alerts (one JSON object per line)")
	baseURL := flag.String("url", "http://localhost:8080", "sarflow base URL")
	count := flag.Int("n", 200, "Number of synthetic alerts when -jsonl is not set")
	seed := flag.Uint64("seed", 1, "Seed for synthetic alerts")
	workers := flag.Int("workers", 8, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each alert result")
	flag.Parse()

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|             SARFLOW BENCHMARK - Alert to SAR Draft            |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nsarflow URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: sarflow not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure sarflow is running:")
		fmt.Println("  go run ./cmd/sarflow")
		os.Exit(1)
	}
	fmt.Println("sarflow is healthy")

	var (
		alerts []LabelledAlert
		err    error
	)
	if *jsonlPath != "" {
		alerts, err = readJSONL(*jsonlPath)
		if err != nil {
			fmt.Printf("ERROR: failed to read alerts: %v\n", err)
			os.Exit(1)
		}
	} else {
		alerts = synthesize(*count, *seed)
	}

	suspicious := 0
	for _, a := range alerts {
		if a.Suspicious {
			suspicious++
		}
	}
	fmt.Printf("Loaded %d alerts (%d suspicious, %d clean)\n", len(alerts), suspicious, len(alerts)-suspicious)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	metrics := runBenchmark(alerts, *baseURL, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readJSONL(path string) ([]LabelledAlert, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var alerts []LabelledAlert
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var a LabelledAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if a.Alert == nil {
			return nil, fmt.Errorf("line %d: alert is required", line)
		}
		alerts = append(alerts, a)
	}
	return alerts, scanner.Err()
}

// synthesize builds structuring, corridor and clean alerts in equal thirds.
func synthesize(n int, seed uint64) []LabelledAlert {
	rng := rand.New(rand.NewPCG(seed, seed^0x5eed))
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	alerts := make([]LabelledAlert, 0, n)
	for i := 0; i < n; i++ {
		customer := map[string]any{"customer_id": fmt.Sprintf("BENCH-%05d", i)}
		var txs []domain.RawTransaction

		switch i % 3 {
		case 0:
			cp := fmt.Sprintf("CP-%03d", rng.IntN(5))
			for j := 0; j < 20+rng.IntN(15); j++ {
				txs = append(txs, rawTx(start.Add(time.Duration(j)*4*time.Hour), 4000+rng.IntN(5000), domain.DirectionIn, cp, "GB"))
			}
		case 1:
			in := start.Add(time.Duration(rng.IntN(72)) * time.Hour)
			txs = append(txs,
				rawTx(in, 150000+rng.IntN(100000), domain.DirectionIn, "CP-SRC", "GB"),
				rawTx(in.Add(time.Duration(1+rng.IntN(5))*time.Hour), 140000+rng.IntN(10000), domain.DirectionOut, "CP-DST", "IR"),
			)
		default:
			txs = append(txs,
				rawTx(start, 120000+rng.IntN(10000), domain.DirectionIn, "CP-PAYROLL", "GB"),
				rawTx(start.Add(240*time.Hour), 130000+rng.IntN(10000), domain.DirectionOut, "CP-LANDLORD", "GB"),
			)
		}

		alerts = append(alerts, LabelledAlert{
			Suspicious: i%3 != 2,
			Alert:      &domain.Alert{Customer: customer, Transactions: txs, RiskRating: "medium"},
		})
	}
	return alerts
}

func rawTx(ts time.Time, amount int, dir domain.Direction, counterparty, country string) domain.RawTransaction {
	cp := counterparty
	return domain.RawTransaction{
		Amount:       decimal.NewFromInt(int64(amount)),
		Direction:    dir,
		Counterparty: &cp,
		Country:      country,
		Timestamp:    domain.RawTimestamp(ts.Format(time.RFC3339)),
	}
}

func runBenchmark(alerts []LabelledAlert, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{
		Statuses: make(map[string]int),
		Levels:   make(map[string]int),
	}

	// Create work channel
	work := make(chan LabelledAlert, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 90 * time.Second}

			for a := range work {
				start := time.Now()
				resp, detected, err := submitAlert(client, baseURL, a.Alert)
				elapsed := time.Since(start)

				if err != nil {
					metrics.fail()
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}
				metrics.record(a.Suspicious, resp, detected, elapsed)

				if verbose {
					mark := "ok"
					if detected != a.Suspicious {
						mark = "MISS"
					}
					status, level := "REJECTED", "-"
					if resp != nil {
						status, level = resp.Status, resp.RiskLevel
					}
					fmt.Printf("%-4s | suspicious: %-5v | %-17s | risk: %-6s | %v\n",
						mark, a.Suspicious, status, level, elapsed.Round(time.Millisecond))
				}
			}
		}()
	}

	// Send work
	for _, a := range alerts {
		work <- a
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

// submitAlert returns detected=true for a drafted case and false for a
// 422 rejection (no supporting evidence).
func submitAlert(client *http.Client, baseURL string, alert *domain.Alert) (*AlertResponse, bool, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return nil, false, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/alerts", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var result AlertResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, false, err
		}
		return &result, true, nil
	case http.StatusUnprocessableEntity:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                       BENCHMARK RESULTS                       |")
	fmt.Println("+---------------------------------------------------------------+")

	processed := len(m.Latencies)
	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Processed:  %d\n", processed)
	fmt.Printf("   Errors:     %d\n", m.Errors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   DRAFTED   REJECTED")
	fmt.Printf("   Suspicious   %9d  %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   Clean        %9d  %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nCASE STATUS\n")
	printCounts(m.Statuses)
	fmt.Printf("\nRISK LEVEL\n")
	printCounts(m.Levels)

	sort.Slice(m.Latencies, func(i, j int) bool { return m.Latencies[i] < m.Latencies[j] })
	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if processed > 0 {
		fmt.Printf("   p50 Latency:     %v\n", percentile(m.Latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:     %v\n", percentile(m.Latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   Throughput:      %.2f alerts/sec\n", float64(processed)/duration.Seconds())
	}
	fmt.Println()
}

func printCounts(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			continue
		}
		fmt.Printf("   %-18s %d\n", k, counts[k])
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
