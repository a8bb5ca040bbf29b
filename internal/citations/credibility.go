package citations

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TLDPattern scores every domain ending in Suffix.
type TLDPattern struct {
	Suffix      string  `yaml:"suffix"`
	Score       float64 `yaml:"score"`
	Description string  `yaml:"description"`
}

// DomainGroup scores a named list of domains and their subdomains.
type DomainGroup struct {
	Category    string   `yaml:"category"`
	Score       float64  `yaml:"score"`
	Description string   `yaml:"description"`
	Domains     []string `yaml:"domains"`
}

// CredibilityConfig holds domain credibility scoring rules.
type CredibilityConfig struct {
	CredibilityRules struct {
		TLDPatterns  []TLDPattern  `yaml:"tld_patterns"`
		DomainGroups []DomainGroup `yaml:"domain_groups"`
		DefaultScore float64       `yaml:"default_score"`
	} `yaml:"credibility_rules"`

	// RankDecay controls how quickly relevance falls with search rank.
	RankDecay float64 `yaml:"rank_decay"`
	// CredibilityWeight is the share of relevance taken from domain credibility.
	CredibilityWeight float64 `yaml:"credibility_weight"`
}

// DefaultCredibilityConfig is used when no rules file is configured.
func DefaultCredibilityConfig() *CredibilityConfig {
	cfg := &CredibilityConfig{RankDecay: 0.5, CredibilityWeight: 0.4}
	cfg.CredibilityRules.TLDPatterns = []TLDPattern{
		{Suffix: ".edu", Score: 0.85, Description: "Educational"},
		{Suffix: ".gov", Score: 0.80, Description: "Government"},
	}
	cfg.CredibilityRules.DefaultScore = 0.60
	return cfg
}

// LoadCredibilityConfig reads rules from a YAML file. An empty path yields
// the defaults.
func LoadCredibilityConfig(path string) (*CredibilityConfig, error) {
	if path == "" {
		return DefaultCredibilityConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credibility config %s: %w", path, err)
	}
	return ParseCredibilityConfig(data)
}

// ParseCredibilityConfig parses YAML rules, filling unset weights with defaults.
func ParseCredibilityConfig(data []byte) (*CredibilityConfig, error) {
	var cfg CredibilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse credibility config: %w", err)
	}
	def := DefaultCredibilityConfig()
	if cfg.CredibilityRules.DefaultScore <= 0 {
		cfg.CredibilityRules.DefaultScore = def.CredibilityRules.DefaultScore
	}
	if cfg.RankDecay <= 0 {
		cfg.RankDecay = def.RankDecay
	}
	if cfg.CredibilityWeight <= 0 || cfg.CredibilityWeight > 1 {
		cfg.CredibilityWeight = def.CredibilityWeight
	}
	return &cfg, nil
}

// ScoreCredibility rates a domain. TLD patterns win over domain groups.
func (c *CredibilityConfig) ScoreCredibility(domain string) float64 {
	domain = strings.ToLower(domain)

	for _, p := range c.CredibilityRules.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return p.Score
		}
	}

	for _, group := range c.CredibilityRules.DomainGroups {
		for _, known := range group.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return group.Score
			}
		}
	}

	return c.CredibilityRules.DefaultScore
}

// Relevance blends search rank (0-based) with domain credibility into [0,1].
func (c *CredibilityConfig) Relevance(rank int, rawURL string) float64 {
	if rank < 0 {
		rank = 0
	}
	rankScore := 1 / (1 + c.RankDecay*float64(rank))
	cred := c.CredibilityRules.DefaultScore
	if domain, err := ExtractDomain(rawURL); err == nil && domain != "" {
		cred = c.ScoreCredibility(domain)
	}
	score := (1-c.CredibilityWeight)*rankScore + c.CredibilityWeight*cred
	if score > 1 {
		score = 1
	}
	return score
}
