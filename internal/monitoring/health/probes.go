package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/disk"
)

// Memory thresholds for the heap-ratio probe.
const (
	memoryDegradedPercent  = 75
	memoryUnhealthyPercent = 90
)

// Latency past this marks the database probe degraded.
const databaseSlowThreshold = time.Second

// DatabaseProbe pings the pool when one is supplied. Without a pool it
// reports on measured duration alone, keeping environments without a
// database functional.
func DatabaseProbe(pool *pgxpool.Pool) Probe {
	return func(ctx context.Context) Check {
		start := time.Now()

		if pool == nil {
			elapsed := time.Since(start)
			status := StatusHealthy
			if elapsed > databaseSlowThreshold {
				status = StatusDegraded
			}
			return Check{
				Status:    status,
				Message:   "no database configured, placeholder check",
				Timestamp: time.Now(),
			}
		}

		if err := pool.Ping(ctx); err != nil {
			return Check{
				Status:    StatusUnhealthy,
				Message:   "database ping failed: " + err.Error(),
				Timestamp: time.Now(),
			}
		}

		elapsed := time.Since(start)
		status := StatusHealthy
		message := "database is healthy"
		if elapsed > databaseSlowThreshold {
			status = StatusDegraded
			message = fmt.Sprintf("database ping slow: %s", elapsed)
		}

		stat := pool.Stat()
		return Check{
			Status:    status,
			Message:   message,
			Timestamp: time.Now(),
			Metadata: map[string]any{
				"total_conns":    stat.TotalConns(),
				"idle_conns":     stat.IdleConns(),
				"acquired_conns": stat.AcquiredConns(),
			},
		}
	}
}

// ExternalAPIsProbe HEAD-requests each URL with a 5s per-request timeout.
// All reachable -> healthy, some -> degraded, none -> unhealthy.
func ExternalAPIsProbe(urls []string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) Check {
		if len(urls) == 0 {
			return Check{
				Status:    StatusHealthy,
				Message:   "no external APIs configured",
				Timestamp: time.Now(),
			}
		}

		reachable := 0
		results := make(map[string]any, len(urls))
		for _, url := range urls {
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
			if err != nil {
				cancel()
				results[url] = "invalid: " + err.Error()
				continue
			}
			resp, err := client.Do(req)
			cancel()
			if err != nil {
				results[url] = "unreachable: " + err.Error()
				continue
			}
			resp.Body.Close()
			results[url] = resp.StatusCode
			if resp.StatusCode < 500 {
				reachable++
			}
		}

		var status Status
		var message string
		switch {
		case reachable == len(urls):
			status = StatusHealthy
			message = "all external APIs reachable"
		case reachable > 0:
			status = StatusDegraded
			message = fmt.Sprintf("%d/%d external APIs reachable", reachable, len(urls))
		default:
			status = StatusUnhealthy
			message = "no external APIs reachable"
		}

		return Check{
			Status:    status,
			Message:   message,
			Timestamp: time.Now(),
			Metadata:  results,
		}
	}
}

// MemoryProbe judges heap-used/heap-total against the 75%/90% thresholds.
func MemoryProbe() Probe {
	return func(_ context.Context) Check {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		usedPercent := float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100

		status := StatusHealthy
		message := "memory usage normal"
		switch {
		case usedPercent > memoryUnhealthyPercent:
			status = StatusUnhealthy
			message = "memory usage critical"
		case usedPercent > memoryDegradedPercent:
			status = StatusDegraded
			message = "memory usage high"
		}

		return Check{
			Status:    status,
			Message:   message,
			Timestamp: time.Now(),
			Metadata: map[string]any{
				"heap_used_percent": fmt.Sprintf("%.2f", usedPercent),
				"heap_alloc_mb":     ms.HeapAlloc / 1024 / 1024,
				"heap_sys_mb":       ms.HeapSys / 1024 / 1024,
				"goroutines":        runtime.NumGoroutine(),
			},
		}
	}
}

// DiskProbe reports usage of the given path. The judgement is always
// healthy; the numbers are informational for operators.
func DiskProbe(path string) Probe {
	return func(_ context.Context) Check {
		check := Check{
			Status:    StatusHealthy,
			Message:   "disk space ok",
			Timestamp: time.Now(),
		}
		if usage, err := disk.Usage(path); err == nil {
			check.Metadata = map[string]any{
				"path":         path,
				"used_percent": fmt.Sprintf("%.2f", usage.UsedPercent),
				"free_gb":      usage.Free / 1024 / 1024 / 1024,
				"total_gb":     usage.Total / 1024 / 1024 / 1024,
			}
		}
		return check
	}
}

// WebSocketProbe dials the configured endpoint. Without a URL it reports
// healthy with a placeholder connection count of zero.
func WebSocketProbe(url string) Probe {
	return func(ctx context.Context) Check {
		if url == "" {
			return Check{
				Status:    StatusHealthy,
				Message:   "websocket server running",
				Timestamp: time.Now(),
				Metadata:  map[string]any{"connections": 0},
			}
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return Check{
				Status:    StatusUnhealthy,
				Message:   "websocket dial failed: " + err.Error(),
				Timestamp: time.Now(),
			}
		}
		conn.Close()

		return Check{
			Status:    StatusHealthy,
			Message:   "websocket endpoint reachable",
			Timestamp: time.Now(),
			Metadata:  map[string]any{"url": url},
		}
	}
}

// RedisProbe pings the client. Registered only when a client is supplied.
func RedisProbe(client *redis.Client) Probe {
	return func(ctx context.Context) Check {
		start := time.Now()
		if err := client.Ping(ctx).Err(); err != nil {
			return Check{
				Status:    StatusUnhealthy,
				Message:   "redis ping failed: " + err.Error(),
				Timestamp: time.Now(),
			}
		}
		return Check{
			Status:    StatusHealthy,
			Message:   "redis is healthy",
			Timestamp: time.Now(),
			Metadata:  map[string]any{"ping": time.Since(start).String()},
		}
	}
}
