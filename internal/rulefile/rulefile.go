// Package rulefile loads static tag rule configuration from a YAML or JSON
// file into an in-memory RuleSource. It backs the CLI's reconciliation
// commands; production deployments usually feed the engine from their own
// configuration storage instead.
package rulefile

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"tagsync/pkg/domain"
)

type statusRuleConfig struct {
	Apply                 []string `mapstructure:"apply"`
	RemoveOnOtherStatuses bool     `mapstructure:"remove_on_other_statuses"`
}

type productConfig struct {
	ProductID   string                      `mapstructure:"product_id"`
	VariationID string                      `mapstructure:"variation_id"`
	RemoveTags  bool                        `mapstructure:"remove_tags"`
	Statuses    map[string]statusRuleConfig `mapstructure:"statuses"`
}

type fileConfig struct {
	DefaultTags []string            `mapstructure:"default_tags"`
	StatusTags  map[string][]string `mapstructure:"status_tags"`
	Products    []productConfig     `mapstructure:"products"`
}

// Source is an immutable RuleSource backed by a parsed rule file.
type Source struct {
	defaults []domain.TagID
	byStatus map[domain.StatusKey][]domain.TagID
	products map[string]domain.RuleSet
}

// Compile-time contract assertion.
var _ domain.RuleSource = (*Source)(nil)

// Load parses the rule file at path. The format is inferred from the
// extension (yaml, yml, json).
func Load(path string) (*Source, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	return build(cfg)
}

func build(cfg fileConfig) (*Source, error) {
	src := &Source{
		byStatus: make(map[domain.StatusKey][]domain.TagID, len(cfg.StatusTags)),
		products: make(map[string]domain.RuleSet, len(cfg.Products)),
	}
	src.defaults = toTags(cfg.DefaultTags)
	for status, tags := range cfg.StatusTags {
		src.byStatus[domain.StatusKey(status)] = toTags(tags)
	}
	for _, product := range cfg.Products {
		if product.ProductID == "" {
			return nil, fmt.Errorf("rule file: product entry missing product_id")
		}
		set := domain.RuleSet{
			ProductID:   product.ProductID,
			VariationID: product.VariationID,
			RemoveTags:  product.RemoveTags,
			Statuses:    make(map[domain.StatusKey]domain.StatusRule, len(product.Statuses)),
		}
		for status, rule := range product.Statuses {
			set.Statuses[domain.StatusKey(status)] = domain.StatusRule{
				Apply:                 toTags(rule.Apply),
				RemoveOnOtherStatuses: rule.RemoveOnOtherStatuses,
			}
		}
		key := productKey(product.ProductID, product.VariationID)
		if _, dup := src.products[key]; dup {
			return nil, fmt.Errorf("rule file: duplicate rules for product %s", key)
		}
		src.products[key] = set
	}
	return src, nil
}

func toTags(in []string) []domain.TagID {
	out := make([]domain.TagID, 0, len(in))
	for _, t := range in {
		out = append(out, domain.TagID(t))
	}
	return out
}

func productKey(productID, variationID string) string {
	if variationID == "" {
		return productID
	}
	return productID + "|" + variationID
}

// RulesFor returns the rule set for a product/variation pair, falling back
// to the product-level rules when no variation-specific entry exists.
func (s *Source) RulesFor(_ context.Context, productID, variationID string) (domain.RuleSet, bool, error) {
	if variationID != "" {
		if set, ok := s.products[productKey(productID, variationID)]; ok {
			return set, true, nil
		}
	}
	set, ok := s.products[productID]
	return set, ok, nil
}

// StatusTags returns the product-independent tags for a status.
func (s *Source) StatusTags(_ context.Context, status domain.StatusKey) ([]domain.TagID, error) {
	return s.byStatus[status], nil
}

// DefaultTags returns the tags applied to every customer.
func (s *Source) DefaultTags(_ context.Context) ([]domain.TagID, error) {
	return s.defaults, nil
}
