package core

import "tagsync/pkg/domain"

type (
	EntityKind         = domain.EntityKind
	StatusKey          = domain.StatusKey
	TagID              = domain.TagID
	Entity             = domain.Entity
	LineItem           = domain.LineItem
	UserRef            = domain.UserRef
	ContactRef         = domain.ContactRef
	ContactFields      = domain.ContactFields
	RuleSet            = domain.RuleSet
	StatusRule         = domain.StatusRule
	RuleSource         = domain.RuleSource
	TagSet             = domain.TagSet
	TagDiff            = domain.TagDiff
	Origin             = domain.Origin
	TransitionEvent    = domain.TransitionEvent
	CompletionEvent    = domain.CompletionEvent
	CompletionListener = domain.CompletionListener
	CRMClient          = domain.CRMClient
	EntityStore        = domain.EntityStore
	LockStore          = domain.LockStore
	ContactCache       = domain.ContactCache
)

const (
	KindOrder        = domain.KindOrder
	KindSubscription = domain.KindSubscription
	KindMembership   = domain.KindMembership
)

const (
	StatusActive        = domain.StatusActive
	StatusPending       = domain.StatusPending
	StatusOnHold        = domain.StatusOnHold
	StatusPendingCancel = domain.StatusPendingCancel
	StatusCancelled     = domain.StatusCancelled
	StatusExpired       = domain.StatusExpired
	StatusPaymentFailed = domain.StatusPaymentFailed
	StatusRefunded      = domain.StatusRefunded
	KeyTagLink          = domain.KeyTagLink
	KeyConverted        = domain.KeyConverted
)

const (
	OriginCheckout = domain.OriginCheckout
	OriginWebhook  = domain.OriginWebhook
	OriginInternal = domain.OriginInternal
	OriginAdmin    = domain.OriginAdmin
)
