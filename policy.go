package krot

import (
	"fmt"
	"strings"
	"time"
)

// Policy is the time-based rotation schedule followed by a Rotator. It holds no
// state and can be swapped freely between rotators.
type Policy struct {
	// TimeToPromotion is how long a standby key is published for verification
	// before it starts signing.
	TimeToPromotion time.Duration `yaml:"time_to_promotion" json:"time_to_promotion"`

	// TimeAsPrimary is how long a key signs after being promoted.
	TimeAsPrimary time.Duration `yaml:"time_as_primary" json:"time_as_primary"`

	// TimeAsRetained is how long a key stays verifiable after it stops signing.
	TimeAsRetained time.Duration `yaml:"time_as_retained" json:"time_as_retained"`

	// PollInterval is the scheduler tick.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

var (
	// ProductionPolicy rotates every 80 days, publishing the next key three days
	// ahead and keeping retired keys for a week.
	ProductionPolicy = Policy{
		TimeToPromotion: 3 * 24 * time.Hour,
		TimeAsPrimary:   80 * 24 * time.Hour,
		TimeAsRetained:  7 * 24 * time.Hour,
		PollInterval:    10 * time.Minute,
	}

	// TestPolicy runs the full lifecycle in well under two hours.
	TestPolicy = Policy{
		TimeToPromotion: 5 * time.Minute,
		TimeAsPrimary:   25 * time.Minute,
		TimeAsRetained:  60 * time.Minute,
		PollInterval:    time.Minute,
	}
)

const (
	PolicyNameProduction = "production"
	PolicyNameTest       = "test"
)

// PolicyByName returns one of the named profiles.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyNameProduction:
		return ProductionPolicy, nil
	case PolicyNameTest:
		return TestPolicy, nil
	default:
		return Policy{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidPolicy, name)
	}
}

// DelayBeforePromotion is the wait between introducing a standby and promoting it.
func (p Policy) DelayBeforePromotion() time.Duration {
	return p.TimeToPromotion
}

// DelayBeforeNextIntroduction is the wait after a promotion before the next
// standby is introduced, so the next key is published TimeToPromotion ahead of
// its first signature.
func (p Policy) DelayBeforeNextIntroduction() time.Duration {
	return p.TimeAsPrimary - p.TimeToPromotion
}

// TimeUntilDeletion is the full lifetime of a key measured from its creation.
func (p Policy) TimeUntilDeletion() time.Duration {
	return p.TimeToPromotion + p.TimeAsPrimary + p.TimeAsRetained
}

// Validate validates the policy durations.
func (p Policy) Validate() error {
	if p.TimeToPromotion <= 0 {
		return fmt.Errorf(
			"%w: time to promotion must be greater than 0 (got %s)",
			ErrInvalidPolicy,
			p.TimeToPromotion,
		)
	}

	if p.TimeAsPrimary < p.TimeToPromotion {
		return fmt.Errorf(
			"%w: time as primary (%s) must not be shorter than time to promotion (%s)",
			ErrInvalidPolicy,
			p.TimeAsPrimary,
			p.TimeToPromotion,
		)
	}

	if p.TimeAsRetained < 0 {
		return fmt.Errorf(
			"%w: time as retained must not be negative (got %s)",
			ErrInvalidPolicy,
			p.TimeAsRetained,
		)
	}

	if p.PollInterval <= 0 {
		return fmt.Errorf(
			"%w: poll interval must be greater than 0 (got %s)",
			ErrInvalidPolicy,
			p.PollInterval,
		)
	}

	return nil
}
