package api

import (
	"net/http"

	"github.com/phrazzld/pixpipe/internal/api/shared"
	"github.com/phrazzld/pixpipe/internal/task"
)

// StatsSource reports dispatcher occupancy.
type StatsSource interface {
	Stats() task.Stats
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status          string `json:"status"`
	Outstanding     int    `json:"outstanding"`
	IdleSlots       int    `json:"idle_slots"`
	DownloadBacklog int    `json:"download_backlog"`
	DecodeBacklog   int    `json:"decode_backlog"`
	CacheEntries    int    `json:"cache_entries"`
	CacheBytes      int64  `json:"cache_bytes"`
	DownloadWorkers int    `json:"download_workers"`
	DecodeWorkers   int    `json:"decode_workers"`
}

// HealthHandler returns a handler for GET /healthz
func HealthHandler(source StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := source.Stats()
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{
			Status:          "ok",
			Outstanding:     stats.Outstanding,
			IdleSlots:       stats.IdleSlots,
			DownloadBacklog: stats.DownloadBacklog,
			DecodeBacklog:   stats.DecodeBacklog,
			CacheEntries:    stats.CacheEntries,
			CacheBytes:      stats.CacheBytes,
			DownloadWorkers: stats.DownloadWorkers,
			DecodeWorkers:   stats.DecodeWorkers,
		})
	}
}
