package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/easyott/eos/internal/dispatch"
	"github.com/easyott/eos/internal/session"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	manager   *session.Manager
	pool      *dispatch.Pool
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string, manager *session.Manager, pool *dispatch.Pool) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		manager:   manager,
		pool:      pool,
	}
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the health payload.
type HealthResponse struct {
	Status        string        `json:"status"`
	Timestamp     string        `json:"timestamp"`
	Version       string        `json:"version"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Sessions      int           `json:"sessions"`
	Goroutines    int           `json:"goroutines"`
	Dispatch      DispatchStats `json:"dispatch"`
	CPUInfo       CPUInfo       `json:"cpu"`
	Memory        MemoryInfo    `json:"memory"`
}

// CPUInfo reports host load and this process's CPU share.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
	ProcessPercent     float64 `json:"process_percent"`
}

// MemoryInfo reports host memory and this process's resident size.
type MemoryInfo struct {
	TotalMemoryMB float64 `json:"total_memory_mb"`
	UsedMemoryMB  float64 `json:"used_memory_mb"`
	FreeMemoryMB  float64 `json:"free_memory_mb"`
	UsedPercent   float64 `json:"used_percent"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
	GoHeapAllocMB float64 `json:"go_heap_alloc_mb"`
	GoHeapObjects uint64  `json:"go_heap_objects"`
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(_ context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	sessions := 0
	if h.manager != nil {
		sessions = len(h.manager.List())
	}

	var dispatchStats DispatchStats
	if h.pool != nil {
		shared, private := h.pool.QueueDepths()
		dispatchStats = DispatchStats{
			Workers:       h.pool.Workers(),
			SharedQueue:   shared,
			PrivateQueues: private,
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Sessions:      sessions,
			Goroutines:    runtime.NumGoroutine(),
			Dispatch:      dispatchStats,
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
		},
	}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			info.ProcessPercent = pct
		}
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.UsedPercent = vmStat.UsedPercent
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.ProcessRSSMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info.GoHeapAllocMB = float64(m.HeapAlloc) / 1024 / 1024
	info.GoHeapObjects = m.HeapObjects

	return info
}
