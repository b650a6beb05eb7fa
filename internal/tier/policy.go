// Package tier maps idle time and declared availability class to a resource
// tier or a sleep decision, and drives the periodic sweep that puts idle
// backends to sleep.
package tier

import (
	"fmt"
	"time"
)

// Class is a backend's declared availability class.
type Class string

const (
	ClassAlways Class = "ALWAYS"
	ClassHigh   Class = "HIGH"
	ClassMedium Class = "MEDIUM"
	ClassLow    Class = "LOW"
)

// ParseClass normalizes a class name, defaulting unknown values to LOW.
func ParseClass(s string) Class {
	switch Class(s) {
	case ClassAlways, ClassHigh, ClassMedium, ClassLow:
		return Class(s)
	default:
		return ClassLow
	}
}

// ResourceProfile is the resource allocation attached to a tier.
type ResourceProfile struct {
	CPUShares int `yaml:"cpu_shares" json:"cpu_shares"`
	MemoryMB  int `yaml:"memory_mb" json:"memory_mb"`
	IOWeight  int `yaml:"io_weight" json:"io_weight"`
}

// Tier is one bracket in the priority ladder.
type Tier struct {
	Name    string          `yaml:"name" json:"name"`
	Profile ResourceProfile `yaml:"profile" json:"profile"`

	// MaxIdle is the per-class idle threshold before the backend drops to
	// the next tier. A class absent from a tier means the ladder ends for
	// that class at the previous tier.
	MaxIdle map[Class]time.Duration `yaml:"max_idle" json:"max_idle"`
}

// Policy is the ordered tier ladder, highest priority first, plus per-class
// absolute sleep thresholds.
type Policy struct {
	Tiers []Tier `yaml:"tiers"`

	// SleepAfter is the per-class idle duration after which the backend is
	// stopped rather than downgraded. ALWAYS never sleeps and has no entry.
	SleepAfter map[Class]time.Duration `yaml:"sleep_after"`
}

// Decision is the outcome of resolving a backend's tier.
type Decision struct {
	Sleep bool
	Tier  *Tier
}

// DefaultPolicy returns the default tier ladder.
func DefaultPolicy() *Policy {
	return &Policy{
		Tiers: []Tier{
			{
				Name:    "performance",
				Profile: ResourceProfile{CPUShares: 4096, MemoryMB: 8192, IOWeight: 800},
				MaxIdle: map[Class]time.Duration{
					ClassHigh:   10 * time.Minute,
					ClassMedium: 5 * time.Minute,
					ClassLow:    2 * time.Minute,
				},
			},
			{
				Name:    "standard",
				Profile: ResourceProfile{CPUShares: 2048, MemoryMB: 4096, IOWeight: 500},
				MaxIdle: map[Class]time.Duration{
					ClassHigh:   2 * time.Hour,
					ClassMedium: 30 * time.Minute,
					ClassLow:    10 * time.Minute,
				},
			},
			{
				Name:    "economy",
				Profile: ResourceProfile{CPUShares: 512, MemoryMB: 1024, IOWeight: 100},
				MaxIdle: map[Class]time.Duration{
					ClassHigh:   72 * time.Hour,
					ClassMedium: 4 * time.Hour,
				},
			},
		},
		SleepAfter: map[Class]time.Duration{
			ClassHigh:   72 * time.Hour,
			ClassMedium: 4 * time.Hour,
			ClassLow:    30 * time.Minute,
		},
	}
}

// Validate checks the policy invariants: at least one tier, and for every
// class the set of tiers defining it is a contiguous prefix of the ladder
// with non-decreasing thresholds.
func (p *Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy has no tiers")
	}
	for _, class := range []Class{ClassHigh, ClassMedium, ClassLow} {
		ended := false
		var prev time.Duration
		for i, tier := range p.Tiers {
			threshold, ok := tier.MaxIdle[class]
			if !ok {
				ended = true
				continue
			}
			if ended {
				return fmt.Errorf("class %s reappears at tier %q after a gap", class, tier.Name)
			}
			if i > 0 && threshold < prev {
				return fmt.Errorf("class %s threshold decreases at tier %q", class, tier.Name)
			}
			prev = threshold
		}
	}
	return nil
}

// Resolve maps (class, idle) to a tier or the sleep decision. The current
// tier is the first in the ladder whose threshold for the class exceeds the
// idle time; a class undefined at a tier leaves the previous tier
// authoritative. ALWAYS backends are pinned to the top tier and never
// sleep.
func (p *Policy) Resolve(class Class, idle time.Duration) Decision {
	if class == ClassAlways {
		return Decision{Tier: &p.Tiers[0]}
	}

	if sleepAt, ok := p.SleepAfter[class]; ok && idle > sleepAt {
		return Decision{Sleep: true}
	}

	var last *Tier
	for i := range p.Tiers {
		tier := &p.Tiers[i]
		threshold, ok := tier.MaxIdle[class]
		if !ok {
			// The ladder ends here for this class; the previous tier is
			// authoritative.
			break
		}
		last = tier
		if idle < threshold {
			return Decision{Tier: tier}
		}
	}
	// Idle beyond every defined threshold but under the sleep-at bound:
	// the lowest tier offering the class holds.
	return Decision{Tier: last}
}
