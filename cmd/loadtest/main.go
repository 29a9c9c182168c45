package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/config"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/gate"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/shadowledger"
	"github.com/tradegate/backend/internal/token"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	NumOrders      int
	Concurrency    int
	NumClients     int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	TotalOrders         uint64
	Authorized          uint64
	Blocked             uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	numOrders := flag.Int("orders", 10000, "Number of orders to authorize")
	concurrency := flag.Int("concurrency", 100, "Number of concurrent workers")
	numClients := flag.Int("clients", 10, "Number of distinct clients")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	cfg := LoadTestConfig{
		NumOrders:      *numOrders,
		Concurrency:    *concurrency,
		NumClients:     *numClients,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting authorization load test",
		"orders", cfg.NumOrders, "concurrency", cfg.Concurrency, "clients", cfg.NumClients)
	stats := runLoadTest(cfg)
	printResults(stats)
}

func runLoadTest(cfg LoadTestConfig) *LoadTestStats {
	gateCfg, err := config.LoadConfig("")
	if err != nil {
		slog.Error("config", "err", err)
		return &LoadTestStats{}
	}

	eval, err := policy.NewEvaluator("")
	if err != nil {
		slog.Error("policy", "err", err)
		return &LoadTestStats{}
	}

	ledger := shadowledger.New(nil)
	for i := 0; i < cfg.NumClients; i++ {
		ledger.SetLimits(fmt.Sprintf("client-%d", i), core.ClientLimits{
			MaxGross:       100_000_000,
			MaxNet:         50_000_000,
			MaxSingleOrder: 1_000_000,
		})
	}

	keyring := token.NewKeyring()
	if err := keyring.Load("loadtest", "loadtest-key-material"); err != nil {
		slog.Error("keyring", "err", err)
		return &LoadTestStats{}
	}

	g := gate.New(gateCfg, eval, ledger, audit.NewLog(audit.NewMemoryStore()),
		token.NewIssuer(keyring), circuitbreaker.NewManager(nil), gate.NewDigestRegistry(), nil)

	stats := &LoadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	orderChan := make(chan int, cfg.NumOrders)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, cfg.ReportInterval)

	startTime := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for orderID := range orderChan {
				authorizeOne(ctx, g, cfg, workerID, orderID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < cfg.NumOrders; i++ {
		orderChan <- i
	}
	close(orderChan)
	wg.Wait()

	totalDuration := time.Since(startTime)
	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalOrders) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func authorizeOne(
	ctx context.Context,
	g *gate.Gate,
	cfg LoadTestConfig,
	workerID, orderID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	price := 100.0 + float64(orderID%50)
	req := gate.Request{
		ClientID: fmt.Sprintf("client-%d", workerID%cfg.NumClients),
		Order: core.Order{
			ClientOrderID: fmt.Sprintf("lt-%d-%d", workerID, orderID),
			Symbol:        []string{"AAPL", "MSFT", "TSLA", "AMZN"}[orderID%4],
			Side:          []core.Side{core.SideBuy, core.SideSell}[orderID%2],
			Qty:           int64(1 + orderID%100),
			Price:         &price,
		},
	}

	start := time.Now()
	env := g.Authorize(ctx, req)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalOrders, 1)
	if env.Status == core.DecisionAuthorized {
		atomic.AddUint64(&stats.Authorized, 1)
	} else {
		atomic.AddUint64(&stats.Blocked, 1)
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
			slog.Info("progress",
				"total", atomic.LoadUint64(&stats.TotalOrders),
				"authorized", atomic.LoadUint64(&stats.Authorized),
				"blocked", atomic.LoadUint64(&stats.Blocked),
				"min_latency", stats.MinLatency,
				"max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("AUTHORIZATION LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Orders:           %d\n", stats.TotalOrders)
	fmt.Printf("Authorized:             %d (%.2f%%)\n",
		stats.Authorized, float64(stats.Authorized)/float64(stats.TotalOrders)*100)
	fmt.Printf("Blocked:                %d (%.2f%%)\n",
		stats.Blocked, float64(stats.Blocked)/float64(stats.TotalOrders)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f orders/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 1000 {
		fmt.Println("PASS: throughput meets target (>1000 orders/sec)")
	} else {
		fmt.Println("WARN: throughput below target (<1000 orders/sec)")
	}
	if stats.P95Latency < 50*time.Millisecond {
		fmt.Println("PASS: p95 latency meets target (<50ms)")
	} else {
		fmt.Println("WARN: p95 latency above target (>50ms)")
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
