package domain

import (
	"context"
	"sort"
)

// StatusRule configures the tags tied to one status key of a rule set.
// RemoveOnOtherStatuses marks the tags for removal whenever the entity
// reaches a different status, beyond the standard inactive-status keys.
type StatusRule struct {
	Apply                 []TagID `json:"apply,omitempty"`
	RemoveOnOtherStatuses bool    `json:"remove_on_other_statuses,omitempty"`
}

// RuleSet is the per-product (or per-variation, per-plan) tag configuration.
// RemoveTags controls whether leaving the active state removes the
// active-state tags. Rule sets are owned by configuration storage and are
// read-only to the engine.
type RuleSet struct {
	ProductID   string                   `json:"product_id"`
	VariationID string                   `json:"variation_id,omitempty"`
	Statuses    map[StatusKey]StatusRule `json:"statuses,omitempty"`
	RemoveTags  bool                     `json:"remove_tags,omitempty"`
}

// Apply returns the apply list configured for the given key, or nil.
func (r RuleSet) Apply(key StatusKey) []TagID {
	return r.Statuses[key].Apply
}

// RuleSource supplies rule sets to the engine. Implementations are owned by
// configuration storage; the engine never mutates them.
type RuleSource interface {
	// RulesFor returns the rule set for a product/variation pair. The bool
	// is false when no rules are configured for the product.
	RulesFor(ctx context.Context, productID, variationID string) (RuleSet, bool, error)
	// StatusTags returns tags configured for a status independent of any
	// product ("global status tagging").
	StatusTags(ctx context.Context, status StatusKey) ([]TagID, error)
	// DefaultTags returns the tags applied to every customer on an
	// activating transition.
	DefaultTags(ctx context.Context) ([]TagID, error)
}

// TagSet is an unordered set of tag identifiers.
type TagSet map[TagID]struct{}

// NewTagSet builds a set from the given tags.
func NewTagSet(tags ...TagID) TagSet {
	s := make(TagSet, len(tags))
	s.Add(tags...)
	return s
}

// Add inserts tags into the set.
func (s TagSet) Add(tags ...TagID) {
	for _, t := range tags {
		s[t] = struct{}{}
	}
}

// Has reports membership.
func (s TagSet) Has(tag TagID) bool {
	_, ok := s[tag]
	return ok
}

// Union merges other into s.
func (s TagSet) Union(other TagSet) {
	for t := range other {
		s[t] = struct{}{}
	}
}

// Subtract removes every tag present in other.
func (s TagSet) Subtract(other TagSet) {
	for t := range other {
		delete(s, t)
	}
}

// Sorted returns the members in lexical order for deterministic submission
// and logging.
func (s TagSet) Sorted() []TagID {
	out := make([]TagID, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	out.Union(s)
	return out
}

// TagDiff is the transient apply/remove outcome computed for one transition.
// It is never persisted. Normalize enforces the apply-wins invariant before
// submission.
type TagDiff struct {
	Apply  TagSet
	Remove TagSet
}

// NewTagDiff returns an empty diff with allocated sets.
func NewTagDiff() TagDiff {
	return TagDiff{Apply: NewTagSet(), Remove: NewTagSet()}
}

// Merge unions another diff into this one.
func (d TagDiff) Merge(other TagDiff) {
	d.Apply.Union(other.Apply)
	d.Remove.Union(other.Remove)
}

// Normalize subtracts the apply set from the remove set: a tag requested for
// both in the same computation is applied, never removed, so the most recent
// truth is not undone by its own transition.
func (d TagDiff) Normalize() {
	d.Remove.Subtract(d.Apply)
}

// Empty reports whether the diff carries no work.
func (d TagDiff) Empty() bool {
	return len(d.Apply) == 0 && len(d.Remove) == 0
}
