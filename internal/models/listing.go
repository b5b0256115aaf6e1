package models

import (
	"encoding/json"
	"time"
)

type ContentType string

const (
	ContentTypeProduct ContentType = "product"
	ContentTypeService ContentType = "service"
	ContentTypeApp     ContentType = "app"
	ContentTypeTravel  ContentType = "travel"
)

// RawObservation is one inbound event from a channel webhook or the admin form.
// It is stored once and never mutated.
type RawObservation struct {
	ID              string    `json:"id"`
	SourceChannelID string    `json:"source_channel_id"`
	DestinationPage string    `json:"destination_page"`
	RawText         string    `json:"raw_text"`
	EmbeddedURLs    []string  `json:"embedded_urls"`
	ArrivedAt       time.Time `json:"arrived_at"`
}

// ProductIdentity is the dedup key for a group of listing sources.
type ProductIdentity struct {
	Hash            string `json:"hash"`
	NormalizedTitle string `json:"normalized_title"`
	Key             string `json:"key"`
}

// ListingSource is one retailer/network observation attached to a listing.
// The display snapshot (title, prices, image) lets a re-election refresh the
// listing without re-extracting.
type ListingSource struct {
	ID              string    `json:"id"`
	ListingID       string    `json:"listing_id"`
	ObservationID   string    `json:"observation_id"`
	SourceURL       string    `json:"source_url"`
	AffiliateURL    string    `json:"affiliate_url"`
	NetworkID       string    `json:"network_id"`
	Platform        string    `json:"platform"`
	CommissionRate  float64   `json:"commission_rate"`
	NetworkPriority int       `json:"network_priority"`
	Title           string    `json:"title"`
	Price           *float64  `json:"price,omitempty"`
	OriginalPrice   *float64  `json:"original_price,omitempty"`
	Discount        *int      `json:"discount,omitempty"`
	Currency        string    `json:"currency"`
	ImageURL        string    `json:"image_url,omitempty"`
	Available       bool      `json:"available"`
	IsPrimary       bool      `json:"is_primary"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SameSource reports whether two sources are re-observations of each other.
func (s ListingSource) SameSource(other ListingSource) bool {
	return s.NetworkID == other.NetworkID && s.SourceURL == other.SourceURL
}

// Listing is the persisted, servable projection of a product identity's
// primary source.
type Listing struct {
	ID               string           `json:"id"`
	IdentityHash     string           `json:"identity_hash"`
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	Price            *float64         `json:"price"`
	OriginalPrice    *float64         `json:"original_price"`
	Currency         string           `json:"currency"`
	Discount         *int             `json:"discount"`
	ImageURL         string           `json:"image_url"`
	AffiliateURL     string           `json:"affiliate_url"`
	Category         string           `json:"category"`
	Rating           *float64         `json:"rating"`
	ReviewCount      *int             `json:"review_count"`
	IsFeatured       bool             `json:"is_featured"`
	ContentType      ContentType      `json:"content_type"`
	Pages            []string         `json:"display_pages"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	QualityScore     int              `json:"quality_score"`
	QualityGrade     string           `json:"quality_grade"`
	SourceChannelID  string           `json:"source"`
	ExpiresAt        *time.Time       `json:"expires_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (l Listing) IsVisibleAt(now time.Time) bool {
	return IsVisibleAt(l.ProcessingStatus, l.ExpiresAt, now)
}

func (l Listing) IsExpiredAt(now time.Time) bool {
	return IsExpiredAt(l.ProcessingStatus, l.ExpiresAt, now)
}

func (l Listing) OnPage(page string) bool {
	for _, p := range l.Pages {
		if p == page {
			return true
		}
	}
	return false
}

// MarshalJSON emits every persisted field under its snake_case name and the
// display fields again under their camelCase aliases.
func (l Listing) MarshalJSON() ([]byte, error) {
	pages := l.Pages
	if pages == nil {
		pages = []string{}
	}
	out := map[string]interface{}{
		"id":                l.ID,
		"identity_hash":     l.IdentityHash,
		"title":             l.Title,
		"name":              l.Title,
		"description":       l.Description,
		"price":             l.Price,
		"original_price":    l.OriginalPrice,
		"originalPrice":     l.OriginalPrice,
		"currency":          l.Currency,
		"discount":          l.Discount,
		"image_url":         l.ImageURL,
		"imageUrl":          l.ImageURL,
		"affiliate_url":     l.AffiliateURL,
		"affiliateUrl":      l.AffiliateURL,
		"category":          l.Category,
		"rating":            l.Rating,
		"review_count":      l.ReviewCount,
		"reviewCount":       l.ReviewCount,
		"is_featured":       l.IsFeatured,
		"isFeatured":        l.IsFeatured,
		"content_type":      l.ContentType,
		"contentType":       l.ContentType,
		"display_pages":     pages,
		"processing_status": l.ProcessingStatus,
		"processingStatus":  l.ProcessingStatus,
		"quality_grade":     l.QualityGrade,
		"source":            l.SourceChannelID,
		"expires_at":        l.ExpiresAt,
		"expiresAt":         l.ExpiresAt,
		"created_at":        l.CreatedAt,
		"createdAt":         l.CreatedAt,
		"updated_at":        l.UpdatedAt,
	}
	return json.Marshal(out)
}

// ListingGroup is a listing together with all of its sources. Stores read and
// write it as one unit.
type ListingGroup struct {
	Listing Listing         `json:"listing"`
	Sources []ListingSource `json:"sources"`
}

// Primary returns the primary source, or nil if none is flagged.
func (g *ListingGroup) Primary() *ListingSource {
	for i := range g.Sources {
		if g.Sources[i].IsPrimary {
			return &g.Sources[i]
		}
	}
	return nil
}

func (g *ListingGroup) PrimaryCount() int {
	n := 0
	for _, s := range g.Sources {
		if s.IsPrimary {
			n++
		}
	}
	return n
}

// CategoryCount is one category on a page with its visible listing count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// ListingQuery filters the serving read path.
type ListingQuery struct {
	Page        string
	Category    string
	ContentType ContentType
	Limit       int
	Offset      int
}
