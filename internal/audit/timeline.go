package audit

import (
	"encoding/json"
	"time"
)

// TimelineFilters menampung filter riwayat audit satu entitas.
type TimelineFilters struct {
	TenantID   int64
	EntityType string
	EntityID   string
	Page       int
	PageSize   int
}

// TimelineRow mewakili satu baris audit dari aliran umum.
type TimelineRow struct {
	At      time.Time       `json:"at"`
	ActorID int64           `json:"actor_id"`
	Action  string          `json:"action"`
	Before  json.RawMessage `json:"before,omitempty"`
	After   json.RawMessage `json:"after,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
