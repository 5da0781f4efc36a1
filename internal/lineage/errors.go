package lineage

import "errors"

var (
	// ErrSpotNotFound is returned when a SpotID is stale or unknown.
	ErrSpotNotFound = errors.New("spot not found")
	// ErrLinkNotFound is returned when a LinkID is stale or unknown.
	ErrLinkNotFound = errors.New("link not found")
	// ErrSelfLink is returned when a link would connect a spot to itself.
	ErrSelfLink = errors.New("self link")
	// ErrTimeOrder is returned when a link target is not later than its source.
	ErrTimeOrder = errors.New("link target must be later than its source")
	// ErrHasIncoming is returned when a link target already has a predecessor.
	ErrHasIncoming = errors.New("target already has an incoming link")
	// ErrNegativeTimepoint is returned when a spot is added before timepoint 0.
	ErrNegativeTimepoint = errors.New("negative timepoint")
	// ErrUpdatePanicked is returned when an Update callback panics.
	ErrUpdatePanicked = errors.New("graph update panicked")
)
