// Package recipients defines the audience-resolution boundary of the
// broadcast pipeline. The resolver is consulted exactly once, when a
// broadcast is created; the resulting count is fixed as the broadcast total
// and never recomputed.
package recipients

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
)

func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindGroup, KindChannel:
		return true
	}
	return false
}

// Recipient is one addressable delivery target.
type Recipient struct {
	ChatID int64
	Kind   Kind
}

type Audience string

const (
	// AudienceAll: every active subscriber.
	AudienceAll Audience = "all"
	// AudienceActive: subscribers seen within the resolver's activity window.
	AudienceActive Audience = "active"
	// AudienceRecent: subscribers seen within the last RecentDays days.
	AudienceRecent Audience = "recent"
	// AudienceIDs: an explicit chat id list, still filtered by the active flag.
	AudienceIDs Audience = "ids"
)

// TargetSpec describes who a broadcast is for.
type TargetSpec struct {
	Audience   Audience `json:"audience"`
	RecentDays int      `json:"recent_days,omitempty"`
	ChatIDs    []int64  `json:"chat_ids,omitempty"`
}

var ErrEmptySpec = errors.New("target spec has no audience")

func (t TargetSpec) Validate() error {
	switch t.Audience {
	case AudienceAll, AudienceActive:
		return nil
	case AudienceRecent:
		if t.RecentDays <= 0 {
			return fmt.Errorf("audience %q requires recent_days > 0", t.Audience)
		}
		return nil
	case AudienceIDs:
		if len(t.ChatIDs) == 0 {
			return fmt.Errorf("audience %q requires a non-empty chat id list", t.Audience)
		}
		return nil
	case "":
		return ErrEmptySpec
	default:
		return fmt.Errorf("unknown audience %q", t.Audience)
	}
}

// Resolver computes the concrete recipient list for a target spec.
// The list must be finite and deterministic at the time of the call; how the
// filtering is computed is the implementation's concern.
type Resolver interface {
	Resolve(ctx context.Context, spec TargetSpec) ([]Recipient, error)
}
