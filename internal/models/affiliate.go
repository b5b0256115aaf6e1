package models

import "time"

type NetworkKind string

const (
	// NetworkKindParam networks track by a query parameter on the retailer URL.
	NetworkKindParam NetworkKind = "param"
	// NetworkKindRedirector networks wrap the retailer URL inside their own.
	NetworkKindRedirector NetworkKind = "redirector"
)

type AffiliateNetwork struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Kind             NetworkKind       `yaml:"kind" json:"kind"`
	BaseRate         float64           `yaml:"base_rate" json:"base_rate"`
	Priority         int               `yaml:"priority" json:"priority"`
	Active           bool              `yaml:"active" json:"active"`
	Platforms        []string          `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	Domains          []string          `yaml:"domains,omitempty" json:"domains,omitempty"`
	Param            string            `yaml:"param,omitempty" json:"param,omitempty"`
	ParamValue       string            `yaml:"param_value,omitempty" json:"param_value,omitempty"`
	ExtraParams      map[string]string `yaml:"extra_params,omitempty" json:"extra_params,omitempty"`
	RedirectTemplate string            `yaml:"redirect_template,omitempty" json:"redirect_template,omitempty"`
}

// Universal networks accept any retailer.
func (n AffiliateNetwork) Universal() bool {
	return len(n.Platforms) == 0
}

func (n AffiliateNetwork) Supports(platform string) bool {
	if n.Universal() {
		return true
	}
	for _, p := range n.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// CategoryCommissionRate overrides a network's base rate for one category.
type CategoryCommissionRate struct {
	Category  string  `yaml:"category" json:"category"`
	NetworkID string  `yaml:"network" json:"network"`
	Rate      float64 `yaml:"rate" json:"rate"`
	Priority  int     `yaml:"priority" json:"priority"`
	Active    bool    `yaml:"active" json:"active"`
}

// PageProfile configures a destination page.
type PageProfile struct {
	Slug            string        `yaml:"slug" json:"slug"`
	AllowedNetworks []string      `yaml:"allowed_networks,omitempty" json:"allowed_networks,omitempty"`
	ContentType     ContentType   `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	TTL             time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	NoExpiry        bool          `yaml:"no_expiry,omitempty" json:"no_expiry,omitempty"`
	Featured        bool          `yaml:"featured,omitempty" json:"featured,omitempty"`
}

func (p PageProfile) Allows(networkID string) bool {
	if len(p.AllowedNetworks) == 0 {
		return true
	}
	for _, id := range p.AllowedNetworks {
		if id == networkID {
			return true
		}
	}
	return false
}

// CategoryFallback holds the deliberate substitutions for a category.
type CategoryFallback struct {
	Category         string `yaml:"category" json:"category"`
	ImageURL         string `yaml:"image_url" json:"image_url"`
	PlaceholderTitle string `yaml:"placeholder_title" json:"placeholder_title"`
}

// CategoryRule drives keyword/URL category detection.
type CategoryRule struct {
	Name        string   `yaml:"name" json:"name"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	URLPatterns []string `yaml:"url_patterns,omitempty" json:"url_patterns,omitempty"`
}

// NetworkSelection is the commission optimizer's decision for one URL.
type NetworkSelection struct {
	Network      AffiliateNetwork `json:"network"`
	Rate         float64          `json:"rate"`
	Priority     int              `json:"priority"`
	AffiliateURL string           `json:"affiliate_url"`
	Fallback     bool             `json:"fallback"`
}
