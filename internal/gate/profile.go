package gate

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrUnknownProfile is returned by [LookupProfile] for names that are not in
// [Profiles].
var ErrUnknownProfile = errors.New("gate: unknown barge-in profile")

// Profile names.
const (
	ProfileStrict     = "strict"
	ProfileBalanced   = "balanced"
	ProfileFast       = "fast"
	ProfilePushToTalk = "push-to-talk"
)

// Profile is a named set of thresholds controlling how eagerly the gate
// confirms speech and interrupts the assistant.
type Profile struct {
	// Name identifies the profile in configuration and logs.
	Name string

	// Alpha is the smoothing factor of the noise-floor EMA, in (0, 1). Higher
	// values adapt more slowly.
	Alpha float64

	// AbsoluteOn and AbsoluteOff are the minimum onset and release thresholds
	// in normalised RMS units.
	AbsoluteOn  float64
	AbsoluteOff float64

	// OnMultiplier and OffMultiplier scale the noise floor into the onset and
	// release thresholds.
	OnMultiplier  float64
	OffMultiplier float64

	// MinOnsetFrames is the number of consecutive frames above the onset
	// threshold required before speech is confirmed.
	MinOnsetFrames int

	// Hang is how long confirmed speech survives without a frame at or above
	// the release threshold.
	Hang time.Duration

	// PushToTalk disables energy classification. Frames pass only while the
	// talk button is held.
	PushToTalk bool
}

// Profiles lists the built-in barge-in profiles by name.
var Profiles = map[string]Profile{
	ProfileStrict: {
		Name:           ProfileStrict,
		Alpha:          0.97,
		AbsoluteOn:     0.06,
		AbsoluteOff:    0.03,
		OnMultiplier:   3.0,
		OffMultiplier:  1.8,
		MinOnsetFrames: 6,
		Hang:           300 * time.Millisecond,
	},
	ProfileBalanced: {
		Name:           ProfileBalanced,
		Alpha:          0.95,
		AbsoluteOn:     0.045,
		AbsoluteOff:    0.025,
		OnMultiplier:   2.5,
		OffMultiplier:  1.6,
		MinOnsetFrames: 4,
		Hang:           250 * time.Millisecond,
	},
	ProfileFast: {
		Name:           ProfileFast,
		Alpha:          0.95,
		AbsoluteOn:     0.035,
		AbsoluteOff:    0.02,
		OnMultiplier:   2.0,
		OffMultiplier:  1.4,
		MinOnsetFrames: 3,
		Hang:           200 * time.Millisecond,
	},
	ProfilePushToTalk: {
		Name:       ProfilePushToTalk,
		PushToTalk: true,
	},
}

// ProfileNames returns the built-in profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LookupProfile returns the built-in profile registered under name.
func LookupProfile(name string) (Profile, error) {
	p, ok := Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w %q; valid values: %v", ErrUnknownProfile, name, ProfileNames())
	}
	return p, nil
}

// Validate reports whether the profile's thresholds are usable.
func (p Profile) Validate() error {
	if p.Name == "" {
		return errors.New("gate: profile name is empty")
	}
	if p.PushToTalk {
		return nil
	}
	var errs []error
	if p.Alpha <= 0 || p.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("gate: profile %q: alpha %.3f must be in (0, 1)", p.Name, p.Alpha))
	}
	if p.AbsoluteOn <= 0 || p.AbsoluteOff <= 0 {
		errs = append(errs, fmt.Errorf("gate: profile %q: absolute thresholds must be positive", p.Name))
	}
	if p.AbsoluteOff > p.AbsoluteOn {
		errs = append(errs, fmt.Errorf("gate: profile %q: release floor %.3f exceeds onset floor %.3f", p.Name, p.AbsoluteOff, p.AbsoluteOn))
	}
	if p.OnMultiplier < 1 || p.OffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("gate: profile %q: multipliers must be >= 1", p.Name))
	}
	if p.MinOnsetFrames < 1 {
		errs = append(errs, fmt.Errorf("gate: profile %q: min onset frames must be >= 1", p.Name))
	}
	if p.Hang <= 0 {
		errs = append(errs, fmt.Errorf("gate: profile %q: hang must be positive", p.Name))
	}
	return errors.Join(errs...)
}
