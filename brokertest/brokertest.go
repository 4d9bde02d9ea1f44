// Package brokertest stress tests the configured republishing targets with
// synthetic tag changes.
package brokertest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/kafka"
	"github.com/srdgame/libplctag-sub000/mqtt"
	"github.com/srdgame/libplctag-sub000/plcman"
	"github.com/srdgame/libplctag-sub000/valkey"
)

// Namespace roots every topic and key written by the stress test.
const Namespace = "abtagd-stress"

// TestConfig holds configuration for the stress test.
type TestConfig struct {
	Duration    time.Duration
	NumTags     int // tags per gateway
	NumGateways int
	BatchSize   int // changes per publish call
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:    10 * time.Second,
		NumTags:     100,
		NumGateways: 10,
		BatchSize:   20,
	}
}

// TestResult holds the results from one target.
type TestResult struct {
	BrokerType   string
	BrokerName   string
	Address      string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	Error        error
}

// sink publishes one batch synchronously.
type sink func(ctx context.Context, changes []plcman.ValueChange) error

// Runner executes stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	out     io.Writer
	rng     *rand.Rand
	results []TestResult
}

// NewRunner creates a runner that reports to out.
func NewRunner(cfg *config.Config, testCfg TestConfig, out io.Writer) *Runner {
	return &Runner{
		cfg:     cfg,
		testCfg: testCfg,
		out:     out,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

// Run tests every enabled target and prints a report.
func (r *Runner) Run() []TestResult {
	fmt.Fprintf(r.out, "\nRepublishing stress test: %v per target, %d gateways x %d tags, batches of %d\n\n",
		r.testCfg.Duration, r.testCfg.NumGateways, r.testCfg.NumTags, r.testCfg.BatchSize)

	for _, c := range r.cfg.MQTT {
		if c.Enabled {
			r.results = append(r.results, r.testMQTT(c))
		}
	}
	for _, c := range r.cfg.Valkey {
		if c.Enabled {
			r.results = append(r.results, r.testValkey(c))
		}
	}
	for _, c := range r.cfg.Kafka {
		if c.Enabled {
			r.results = append(r.results, r.testKafka(c))
		}
	}
	r.printReport()
	return r.results
}

func (r *Runner) testMQTT(cfg config.MQTTConfig) TestResult {
	cfg.Selector = ""
	cfg.ClientID = fmt.Sprintf("abtagd-stress-%d", time.Now().UnixNano())
	pub := mqtt.NewPublisher(cfg, Namespace)
	result := TestResult{BrokerType: "MQTT", BrokerName: cfg.Name, Address: pub.Address()}
	if err := pub.Start(); err != nil {
		result.Error = err
		return result
	}
	defer pub.Stop()
	return r.measure(result, func(ctx context.Context, changes []plcman.ValueChange) error {
		for _, c := range changes {
			if !pub.Publish(c, true) {
				return fmt.Errorf("publish %s/%s failed", c.Gateway, c.Tag)
			}
		}
		return nil
	})
}

func (r *Runner) testValkey(cfg config.ValkeyConfig) TestResult {
	cfg.Selector = ""
	cfg.Writeback = false
	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = time.Minute
	}
	pub := valkey.NewPublisher(cfg, Namespace)
	result := TestResult{BrokerType: "Valkey", BrokerName: cfg.Name, Address: pub.Address()}
	if err := pub.Start(); err != nil {
		result.Error = err
		return result
	}
	defer pub.Stop()
	return r.measure(result, func(ctx context.Context, changes []plcman.ValueChange) error {
		for _, c := range changes {
			if err := pub.Publish(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Runner) testKafka(cfg config.KafkaConfig) TestResult {
	cfg.Topic = Namespace + ".values"
	p := kafka.NewProducer(cfg, Namespace)
	result := TestResult{BrokerType: "Kafka", BrokerName: cfg.Name, Address: strings.Join(cfg.Brokers, ",")}
	if err := p.Connect(); err != nil {
		result.Error = err
		return result
	}
	defer p.Disconnect()
	return r.measure(result, p.PublishChanges)
}

// measure calls publish with random batches until the duration elapses.
func (r *Runner) measure(result TestResult, publish sink) TestResult {
	fmt.Fprintf(r.out, "  %s/%s (%s)... ", result.BrokerType, result.BrokerName, result.Address)

	ctx, cancel := context.WithTimeout(context.Background(), r.testCfg.Duration)
	defer cancel()

	var latencies []time.Duration
	start := time.Now()
	for ctx.Err() == nil {
		batch := r.batch()
		t0 := time.Now()
		err := publish(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			result.Errors += int64(len(batch))
			continue
		}
		latencies = append(latencies, time.Since(t0))
		result.MessagesSent += int64(len(batch))
	}

	result.Duration = time.Since(start)
	if result.Duration > 0 {
		result.Throughput = float64(result.MessagesSent) / result.Duration.Seconds()
	}
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	result.Success = result.MessagesSent > 0 && result.Errors == 0
	if result.Success {
		fmt.Fprintln(r.out, "DONE")
	} else {
		fmt.Fprintln(r.out, "FAILED")
	}
	return result
}

// batch returns BatchSize random changes.
func (r *Runner) batch() []plcman.ValueChange {
	now := time.Now()
	out := make([]plcman.ValueChange, max(r.testCfg.BatchSize, 1))
	for i := range out {
		out[i] = plcman.ValueChange{
			Gateway:   fmt.Sprintf("gw%d", r.rng.IntN(max(r.testCfg.NumGateways, 1))),
			Tag:       fmt.Sprintf("Tag%d", r.rng.IntN(max(r.testCfg.NumTags, 1))),
			TypeName:  "DINT",
			Value:     int64(r.rng.IntN(10000)),
			Timestamp: now,
		}
	}
	return out
}

// calculateLatencyStats computes avg, p50, p95, p99 and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))
	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

func (r *Runner) printReport() {
	w := r.out
	fmt.Fprintln(w)
	if len(r.results) == 0 {
		fmt.Fprintln(w, "  No enabled mqtt, valkey or kafka targets in the configuration.")
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintf(w, "  %-7s  %-14s  %14s  %12s  %s\n", "Type", "Name", "Throughput", "Messages", "Status")
	passed, failed := 0, 0
	for _, res := range r.results {
		status := "PASS"
		if res.Success {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := res.BrokerName
		if len(name) > 14 {
			name = name[:14]
		}
		fmt.Fprintf(w, "  %-7s  %-14s  %14s  %12d  %s\n",
			res.BrokerType, name, fmt.Sprintf("%.0f msg/s", res.Throughput), res.MessagesSent, status)
	}
	fmt.Fprintln(w)

	for _, res := range r.results {
		if res.Error != nil {
			fmt.Fprintf(w, "  %s/%s: %v\n", res.BrokerType, res.BrokerName, res.Error)
			continue
		}
		if res.AvgLatency > 0 {
			fmt.Fprintf(w, "  %s/%s latency per batch: avg %v, p50 %v, p95 %v, p99 %v, max %v\n",
				res.BrokerType, res.BrokerName,
				res.AvgLatency.Round(time.Microsecond),
				res.P50Latency.Round(time.Microsecond),
				res.P95Latency.Round(time.Microsecond),
				res.P99Latency.Round(time.Microsecond),
				res.MaxLatency.Round(time.Microsecond))
		}
	}
	fmt.Fprintf(w, "\n  Summary: %d passed, %d failed\n\n", passed, failed)
}
