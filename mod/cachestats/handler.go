package cachestats

import (
	"net/http"
	"sort"

	"imuslab.com/offlinecache/mod/utils"
)

// HandleGetAllStats returns statistics for all resource types
func (c *Collector) HandleGetAllStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"total": c.Totals(),
		"types": c.GetAllStats(),
	})
}

// HandleGetTypeStats returns statistics for a specific resource type
func (c *Collector) HandleGetTypeStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resourceType, err := utils.GetPara(r, "type")
	if err != nil {
		http.Error(w, "type parameter is required", http.StatusBadRequest)
		return
	}

	stats := c.GetTypeStats(resourceType)
	if stats == nil {
		http.Error(w, "Resource type not found", http.StatusNotFound)
		return
	}

	utils.SendJSONResponse(w, stats)
}

// HandleResetStats resets statistics for a specific resource type
func (c *Collector) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resourceType, err := utils.GetPara(r, "type")
	if err != nil {
		http.Error(w, "type parameter is required", http.StatusBadRequest)
		return
	}

	c.ResetStats(resourceType)
	utils.SendOK(w)
}

// HandleGetSummary returns a compact per-type list
func (c *Collector) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type TypeSummary struct {
		ResourceType  string  `json:"resource_type"`
		TotalRequests int64   `json:"total_requests"`
		CacheHitRate  float64 `json:"cache_hit_rate"`
		Fallbacks     int64   `json:"fallbacks"`
		BytesServed   int64   `json:"bytes_served"`
		MaxThroughput int64   `json:"max_throughput"`
	}

	allStats := c.GetAllStats()
	summaries := make([]TypeSummary, 0, len(allStats))
	for _, stats := range allStats {
		summaries = append(summaries, TypeSummary{
			ResourceType:  stats.ResourceType,
			TotalRequests: stats.TotalRequests,
			CacheHitRate:  stats.CacheHitRate,
			Fallbacks:     stats.Fallbacks,
			BytesServed:   stats.BytesServed,
			MaxThroughput: stats.MaxThroughput,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ResourceType < summaries[j].ResourceType
	})

	utils.SendJSONResponse(w, summaries)
}
