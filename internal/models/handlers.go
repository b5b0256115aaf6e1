package models

import (
	"time"
)

type SubmitObservationRequest struct {
	SourceChannelID string     `json:"source_channel_id" validate:"required,max=128"`
	DestinationPage string     `json:"destination_page" validate:"required,max=64,slug"`
	RawText         string     `json:"raw_text" validate:"max=8000"`
	EmbeddedURLs    []string   `json:"embedded_urls" validate:"max=20,dive,required,url"`
	ArrivedAt       *time.Time `json:"arrived_at"`
}

type SubmitBatchRequest struct {
	Observations []SubmitObservationRequest `json:"observations" validate:"required,min=1,dive"`
}

type SubmitObservationResponse struct {
	ObservationID string `json:"observation_id"`
	Queued        bool   `json:"queued"`
}

type ExpireResponse struct {
	Count int       `json:"count"`
	Now   time.Time `json:"now"`
}

type PurgeResponse struct {
	Count     int       `json:"count"`
	OlderThan time.Time `json:"older_than"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Uptime    float64           `json:"uptime_seconds"`
}

type MetricsResponse struct {
	Service         string                 `json:"service"`
	Timestamp       time.Time              `json:"timestamp"`
	Pipeline        map[string]interface{} `json:"pipeline"`
	InFlight        int                    `json:"in_flight"`
	SystemResources SystemResourcesInfo    `json:"system_resources"`
}

type SystemResourcesInfo struct {
	HeapAllocMB    float64 `json:"heap_alloc_mb"`
	SysMB          float64 `json:"sys_mb"`
	NumGC          uint32  `json:"num_gc"`
	GoroutineCount int     `json:"goroutine_count"`
}
