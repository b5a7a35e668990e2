package notify

import (
	"errors"
	"fmt"
	"strings"
)

// Resolver picks the single notification that survives a conflict.
//
// Candidates are the user's still-pending entries in pending order followed by the transient
// notification being posted. Returning nil drops every candidate. Returning anything that is not
// one of the candidates is rejected.
type Resolver interface {
	Resolve(candidates []*Notification) (*Notification, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(candidates []*Notification) (*Notification, error)

func (f ResolverFunc) Resolve(candidates []*Notification) (*Notification, error) {
	return f(candidates)
}

// Resolver names accepted by ResolverByName.
const (
	ResolverDisabled     = "disabled"
	ResolverPickFirst    = "pick_first"
	ResolverPickLast     = "pick_last"
	ResolverPickEarliest = "pick_earliest"
	ResolverPickLatest   = "pick_latest"
	ResolverPickPosted   = "pick_posted"
)

var errNilCallback = errors.New("resolver callback is required")

// PickFirst keeps the oldest queued candidate.
func PickFirst() Resolver {
	return ResolverFunc(func(candidates []*Notification) (*Notification, error) {
		if len(candidates) == 0 {
			return nil, nil
		}
		return candidates[0], nil
	})
}

// PickLast keeps the last candidate, which is the notification being posted.
func PickLast() Resolver {
	return ResolverFunc(func(candidates []*Notification) (*Notification, error) {
		if len(candidates) == 0 {
			return nil, nil
		}
		return candidates[len(candidates)-1], nil
	})
}

// PickEarliest keeps the candidate with the smallest Updated time. Ties go to input order.
func PickEarliest() Resolver {
	return ResolverFunc(func(candidates []*Notification) (*Notification, error) {
		var winner *Notification
		for _, candidate := range candidates {
			if candidate == nil {
				continue
			}
			if winner == nil || candidate.Updated.Before(winner.Updated) {
				winner = candidate
			}
		}
		return winner, nil
	})
}

// PickLatest keeps the candidate with the largest Updated time. Ties go to input order.
func PickLatest() Resolver {
	return ResolverFunc(func(candidates []*Notification) (*Notification, error) {
		var winner *Notification
		for _, candidate := range candidates {
			if candidate == nil {
				continue
			}
			if winner == nil || candidate.Updated.After(winner.Updated) {
				winner = candidate
			}
		}
		return winner, nil
	})
}

// PickPosted keeps the notification being posted and drops everything it conflicts with.
func PickPosted() Resolver {
	return ResolverFunc(func(candidates []*Notification) (*Notification, error) {
		for _, candidate := range candidates {
			if candidate != nil && !candidate.Persisted() && candidate.PendingID == 0 {
				return candidate, nil
			}
		}
		return nil, nil
	})
}

// Callback wraps a user supplied choice function. The returned value must be one of the
// candidates or nil.
func Callback(fn func(candidates []*Notification) *Notification) Resolver {
	return ResolverFunc(func(candidates []*Notification) (*Notification, error) {
		if fn == nil {
			return nil, errNilCallback
		}
		winner := fn(candidates)
		if winner == nil {
			return nil, nil
		}
		if _, ok := memberOf(candidates, winner); !ok {
			return nil, ErrInvalidResolution
		}
		return winner, nil
	})
}

// ResolverByName maps a configuration value to a built-in resolver. An empty name and
// "disabled" both yield a nil resolver.
func ResolverByName(name string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ResolverDisabled:
		return nil, nil
	case ResolverPickFirst:
		return PickFirst(), nil
	case ResolverPickLast:
		return PickLast(), nil
	case ResolverPickEarliest:
		return PickEarliest(), nil
	case ResolverPickLatest:
		return PickLatest(), nil
	case ResolverPickPosted:
		return PickPosted(), nil
	default:
		return nil, fmt.Errorf("unknown resolver %q", name)
	}
}

// memberOf finds winner among candidates by identity, falling back to the pending id for rows
// loaded from the queue.
func memberOf(candidates []*Notification, winner *Notification) (*Notification, bool) {
	if winner == nil {
		return nil, false
	}
	for _, candidate := range candidates {
		if candidate == winner {
			return candidate, true
		}
	}
	if winner.PendingID <= 0 {
		return nil, false
	}
	for _, candidate := range candidates {
		if candidate != nil && candidate.PendingID == winner.PendingID {
			return candidate, true
		}
	}
	return nil, false
}
