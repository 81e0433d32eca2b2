package core

import "tagsync/pkg/domain"

// inactiveKeys are the rule-table keys whose tags are cleaned up when an
// entity (re)enters the active state. The pending key is intentionally
// absent: pending tags are only removed on an active-to-active renewal, see
// ComputeDiff.
var inactiveKeys = []StatusKey{StatusPaymentFailed, StatusExpired, StatusPendingCancel, StatusCancelled}

// DiffInput carries the transition facts ComputeDiff needs for one rule set.
type DiffInput struct {
	Rules RuleSet
	// Status is the canonical status being entered.
	Status StatusKey
	// Prior is the canonical status being left; empty when unknown.
	Prior StatusKey
	// TrialConverted is true once the entity's trial end date has passed.
	TrialConverted bool
	// ActiveElsewhere reports whether a tag is still justified by another
	// active entity; such tags are never removed. Nil means no suppression.
	ActiveElsewhere func(TagID) bool
}

// Suppression records a tag withheld from the remove set and why, for audit
// logging by the caller.
type Suppression struct {
	Tag    TagID
	Reason string
}

// ComputeDiff derives the apply/remove tag sets for one transition against
// one rule set. It is pure: no I/O, no clock.
//
// Entering the active state applies the active and tag-link tags and removes
// the tags of every inactive status; any status rule flagged
// RemoveOnOtherStatuses is cleaned up as well. Leaving the active state
// applies the new status's tags and removes the active-state tags only when
// the rule set's RemoveTags flag is set: "cancelled" keeps a grace period
// while "expired" is a hard stop, but both only strip tags when the
// configuration asks for it.
func ComputeDiff(in DiffInput) (TagDiff, []Suppression) {
	diff := domain.NewTagDiff()
	rules := in.Rules

	if in.Status == StatusActive {
		diff.Apply.Add(rules.Apply(StatusActive)...)
		diff.Apply.Add(rules.Apply(KeyTagLink)...)
		for _, key := range inactiveKeys {
			diff.Remove.Add(rules.Apply(key)...)
		}
		for key, rule := range rules.Statuses {
			if rule.RemoveOnOtherStatuses && key != StatusActive && key != KeyTagLink {
				diff.Remove.Add(rule.Apply...)
			}
		}
		if in.Prior == StatusActive {
			diff.Remove.Add(rules.Apply(StatusPending)...)
		}
	} else {
		diff.Apply.Add(rules.Apply(in.Status)...)
		if rules.RemoveTags {
			diff.Remove.Add(rules.Apply(StatusActive)...)
			diff.Remove.Add(rules.Apply(KeyTagLink)...)
		}
	}

	if in.TrialConverted {
		diff.Apply.Add(rules.Apply(KeyConverted)...)
	}

	// Apply wins ties: the most recent truth must not be undone by the same
	// transition.
	diff.Normalize()

	var suppressed []Suppression
	if in.ActiveElsewhere != nil {
		for _, tag := range diff.Remove.Sorted() {
			if in.ActiveElsewhere(tag) {
				delete(diff.Remove, tag)
				suppressed = append(suppressed, Suppression{Tag: tag, Reason: "still active elsewhere"})
			}
		}
	}
	return diff, suppressed
}
