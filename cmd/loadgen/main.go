package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/invalidation"
	h3mapper "github.com/mohammed-shakir/tile-prefetch/internal/mapper/h3"
	"github.com/mohammed-shakir/tile-prefetch/internal/viewport"
)

type Config struct {
	TargetURL    string
	TileTemplate string
	Concurrency  int
	Duration     time.Duration
	ZipfS        float64
	ZipfV        float64
	MinZoom      int
	MaxZoom      int
	MinSpeed     float64
	MaxSpeed     float64
	Frames       int
	Batch        int
	Pause        time.Duration
	OutputPrefix string
	Timeout      time.Duration

	Smoke     bool
	RedisAddr string
	Brokers   string
	Topic     string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "Prefetcher base URL")
	flag.StringVar(&cfg.TileTemplate, "tiles", "http://localhost:3000/osm/{z}/{x}/{y}.png", "Tile URL template sessions prefetch from")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent map sessions")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1) over destination cities")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.MinZoom, "min-zoom", 8, "Lowest gesture zoom")
	flag.IntVar(&cfg.MaxZoom, "max-zoom", 14, "Highest gesture zoom")
	flag.Float64Var(&cfg.MinSpeed, "min-speed", 0.05, "Slowest pan in px/ms")
	flag.Float64Var(&cfg.MaxSpeed, "max-speed", 3.0, "Fastest pan in px/ms")
	flag.IntVar(&cfg.Frames, "frames", 30, "Drag frames per gesture")
	flag.IntVar(&cfg.Batch, "batch", 4, "Frames per events request")
	flag.DurationVar(&cfg.Pause, "pause", 500*time.Millisecond, "Idle time between gestures")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/pan", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.Smoke, "smoke", false, "Only check Redis, Kafka and H3 connectivity")
	flag.StringVar(&cfg.RedisAddr, "redis", getenv("REDIS_ADDR", "localhost:6379"), "Redis address for -smoke")
	flag.StringVar(&cfg.Brokers, "brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "Kafka brokers for -smoke")
	flag.StringVar(&cfg.Topic, "topic", getenv("KAFKA_TOPIC", "tile-invalidation"), "Invalidation topic for -smoke")
	flag.Parse()
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Kind      string
	ErrorMsg  string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	Gestures      int64     `json:"gestures"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	TargetURL     string    `json:"target"`
}

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path string, body any, out any) (int, time.Duration, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := c.http.Do(req)
	lat := time.Since(start)
	if err != nil {
		return 0, lat, err
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, lat, fmt.Errorf("decode: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, lat, fmt.Errorf("status=%d", resp.StatusCode)
	}
	return resp.StatusCode, lat, nil
}

// runUser drives one map session until ctx ends.
func runUser(ctx context.Context, c *client, cfg Config, seed int64, samples chan<- sample, gestures *int64, mu *sync.Mutex) {
	src := map[string]any{"sources": []model.TileSource{{Name: "osm", Type: model.SourceRaster, Tiles: []string{cfg.TileTemplate}}}}
	var created struct {
		ID string `json:"id"`
	}
	if _, _, err := c.call(ctx, http.MethodPost, "/v1/sessions", src, &created); err != nil {
		log.Printf("create session: %v", err)
		return
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		_, _, _ = c.call(dctx, http.MethodDelete, "/v1/sessions/"+created.ID, nil, nil)
	}()

	gen := newGestureGen(seed, cfg)
	path := "/v1/sessions/" + created.ID + "/events"
	for ctx.Err() == nil {
		evs := gen.next().events(time.Now())
		for i := 0; i < len(evs); i += cfg.Batch {
			end := min(i+cfg.Batch, len(evs))
			chunk := evs[i:end]
			status, lat, err := c.call(ctx, http.MethodPost, path, map[string][]viewport.Event{"events": chunk}, nil)
			s := sample{Timestamp: time.Now(), Latency: lat, Status: status, Kind: string(chunk[len(chunk)-1].Kind)}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.ErrorMsg = err.Error()
			}
			select {
			case samples <- s:
			case <-ctx.Done():
				return
			}
			// replay at the gesture's own frame rate
			if end < len(evs) {
				select {
				case <-time.After(chunk[len(chunk)-1].At.Sub(chunk[0].At) + 16*time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
		}
		mu.Lock()
		*gestures++
		mu.Unlock()
		select {
		case <-time.After(cfg.Pause):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	cfg := loadConfig()
	if cfg.Smoke {
		if err := smoke(cfg); err != nil {
			log.Fatalf("smoke: %v", err)
		}
		return
	}
	if cfg.Batch <= 0 || cfg.Frames <= 0 || cfg.Concurrency <= 0 || cfg.MaxZoom < cfg.MinZoom {
		log.Fatalf("invalid flags: batch, frames and concurrency must be positive and max-zoom >= min-zoom")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	c := &client{
		base: strings.TrimRight(cfg.TargetURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConns:        1024,
				MaxIdleConnsPerHost: 256,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	w := csv.NewWriter(csvFile)

	samples := make(chan sample, 4096)
	type agg struct {
		total, ok, errs int64
		latMs           []float64
	}
	results := make(chan agg, 1)
	go func() {
		_ = w.Write([]string{"timestamp", "latency_ms", "status", "kind", "error"})
		var a agg
		for s := range samples {
			a.total++
			ms := float64(s.Latency.Microseconds()) / 1000.0
			if s.ErrorMsg == "" {
				a.ok++
				a.latMs = append(a.latMs, ms)
			} else {
				a.errs++
			}
			_ = w.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", ms),
				fmt.Sprintf("%d", s.Status),
				s.Kind,
				s.ErrorMsg,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		results <- a
	}()

	start := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d zoom=%d..%d speed=%.2f..%.2f px/ms",
		cfg.TargetURL, cfg.Duration, cfg.Concurrency, cfg.MinZoom, cfg.MaxZoom, cfg.MinSpeed, cfg.MaxSpeed)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		gestures int64
	)
	seed := time.Now().UnixNano()
	for i := range cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(ctx, c, cfg, seed+int64(id)+1, samples, &gestures, &mu)
		}(i)
	}
	wg.Wait()
	close(samples)

	a := <-results
	end := time.Now()
	elapsed := end.Sub(start).Seconds()
	sort.Float64s(a.latMs)
	sum := summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		Gestures:      gestures,
		TotalRequests: a.total,
		SuccessCount:  a.ok,
		ErrorCount:    a.errs,
		ThroughputRPS: float64(a.total) / elapsed,
		P50Ms:         percentile(a.latMs, 50),
		P95Ms:         percentile(a.latMs, 95),
		P99Ms:         percentile(a.latMs, 99),
		Concurrency:   cfg.Concurrency,
		TargetURL:     cfg.TargetURL,
	}
	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		_ = f.Close()
	}
	log.Printf("done: gestures=%d total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		gestures, a.total, a.ok, a.errs, sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

// smoke checks the infrastructure the prefetcher depends on.
func smoke(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DialTimeout: 2 * time.Second})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	n, err := rdb.Keys(ctx, "prefetch:*").Result()
	if err != nil {
		return fmt.Errorf("redis keys: %w", err)
	}
	log.Printf("redis ok, %d ledger keys", len(n))

	kc := sarama.NewConfig()
	kc.Producer.Return.Successes = true
	kc.Version = sarama.V3_6_0_0
	prod, err := sarama.NewSyncProducer(strings.Split(cfg.Brokers, ","), kc)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	ev := invalidation.Event{
		Version: uint64(time.Now().UnixNano()),
		Op:      "update",
		Source:  "osm",
		TS:      time.Now().UTC(),
		BBox:    &invalidation.BBox{X1: 18.0, Y1: 59.3, X2: 18.1, Y2: 59.35, SRID: "EPSG:4326"},
		MinZoom: 12,
		MaxZoom: 13,
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("smoke event: %w", err)
	}
	b, _ := json.Marshal(ev)
	part, off, err := prod.SendMessage(&sarama.ProducerMessage{Topic: cfg.Topic, Value: sarama.ByteEncoder(b)})
	if err != nil {
		return fmt.Errorf("send invalidation: %w", err)
	}
	log.Printf("kafka ok, invalidation at %s/%d@%d", cfg.Topic, part, off)

	m := h3mapper.New()
	cells, err := m.CellsForBBox(ev.BBox.Model(), 8)
	if err != nil {
		return fmt.Errorf("h3: %w", err)
	}
	log.Printf("h3 ok, smoke bbox covers %d cells at res 8", len(cells))
	return nil
}
