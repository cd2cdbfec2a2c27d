package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/easyott/eos/internal/dispatch"
	"github.com/easyott/eos/pkg/httpclient"
)

// StatsHandler exposes the request statistics registry and the
// dispatch pool's queue state.
type StatsHandler struct {
	stats *httpclient.Stats
	pool  *dispatch.Pool
}

// NewStatsHandler creates a stats handler over the given registry.
func NewStatsHandler(stats *httpclient.Stats, pool *dispatch.Pool) *StatsHandler {
	if stats == nil {
		stats = httpclient.DefaultStats
	}
	return &StatsHandler{stats: stats, pool: pool}
}

// StatsInput is the input for the stats endpoint.
type StatsInput struct{}

// StatsOutput is the output for the stats endpoint.
type StatsOutput struct {
	Body struct {
		// Requests is keyed by session id, then by request name.
		Requests map[string]map[string]httpclient.RequestStats `json:"requests"`
		Dispatch DispatchStats                                 `json:"dispatch"`
	}
}

// DispatchStats reports the worker pool's queue state.
type DispatchStats struct {
	Workers       int   `json:"workers"`
	SharedQueue   int   `json:"shared_queue"`
	PrivateQueues []int `json:"private_queues"`
}

// Register registers the stats route with the API.
func (h *StatsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats",
		Summary:     "Request statistics",
		Description: "Per-session origin request statistics and dispatch pool queue depths",
		Tags:        []string{"System"},
	}, h.Get)
}

// Get returns a snapshot of the statistics registry.
func (h *StatsHandler) Get(_ context.Context, _ *StatsInput) (*StatsOutput, error) {
	out := &StatsOutput{}
	out.Body.Requests = h.stats.Snapshot()

	if h.pool != nil {
		shared, private := h.pool.QueueDepths()
		out.Body.Dispatch = DispatchStats{
			Workers:       h.pool.Workers(),
			SharedQueue:   shared,
			PrivateQueues: private,
		}
	}
	return out, nil
}
