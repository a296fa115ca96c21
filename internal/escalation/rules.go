package escalation

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Rule is the SLA for one urgency tier.
type Rule struct {
	Urgency                  episode.UrgencyLevel
	MaxWait                  time.Duration
	BackupSupervisors        []string
	DefaultToHigherCareLevel bool
}

// Rules is an immutable set of rules keyed by urgency. The zero value is
// empty; build one with NewRules or DefaultRules.
type Rules struct {
	byLevel map[episode.UrgencyLevel]Rule
	order   []episode.UrgencyLevel
}

// DefaultRules returns the four standard tiers.
func DefaultRules() Rules {
	r, err := NewRules(
		Rule{
			Urgency:                  episode.UrgencyEmergency,
			MaxWait:                  5 * time.Minute,
			BackupSupervisors:        []string{"emergency-supervisor-1", "emergency-supervisor-2"},
			DefaultToHigherCareLevel: true,
		},
		Rule{
			Urgency:                  episode.UrgencyUrgent,
			MaxWait:                  15 * time.Minute,
			BackupSupervisors:        []string{"urgent-supervisor-1", "urgent-supervisor-2"},
			DefaultToHigherCareLevel: true,
		},
		Rule{
			Urgency:           episode.UrgencyRoutine,
			MaxWait:           60 * time.Minute,
			BackupSupervisors: []string{"routine-supervisor-1", "routine-supervisor-2"},
		},
		Rule{
			Urgency:           episode.UrgencySelfCare,
			MaxWait:           120 * time.Minute,
			BackupSupervisors: []string{"selfcare-supervisor-1"},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRules validates and freezes rs. Each known tier may appear at most once
// and at least one rule is required.
func NewRules(rs ...Rule) (Rules, error) {
	if len(rs) == 0 {
		return Rules{}, errors.New("at least one escalation rule is required")
	}
	out := Rules{byLevel: make(map[episode.UrgencyLevel]Rule, len(rs))}
	var errs []error
	for i, r := range rs {
		switch {
		case !r.Urgency.IsKnown():
			errs = append(errs, fmt.Errorf("rule %d: unknown urgency level %d", i, int(r.Urgency)))
			continue
		case r.MaxWait <= 0:
			errs = append(errs, fmt.Errorf("rule %s: max wait must be positive", r.Urgency))
		}
		if _, dup := out.byLevel[r.Urgency]; dup {
			errs = append(errs, fmt.Errorf("rule %s: duplicate urgency level", r.Urgency))
			continue
		}
		r.BackupSupervisors = slices.Clone(r.BackupSupervisors)
		out.byLevel[r.Urgency] = r
		out.order = append(out.order, r.Urgency)
	}
	if err := errors.Join(errs...); err != nil {
		return Rules{}, err
	}
	slices.SortFunc(out.order, func(a, b episode.UrgencyLevel) int { return a.Rank() - b.Rank() })
	return out, nil
}

func (r Rules) fallback() episode.UrgencyLevel {
	return r.order[len(r.order)-1]
}

// For resolves the rule for u. Levels without a rule of their own, unknown
// levels included, use the least urgent configured rule.
func (r Rules) For(u episode.UrgencyLevel) Rule {
	rule, ok := r.byLevel[u]
	if !ok {
		rule = r.byLevel[r.fallback()]
	}
	rule.BackupSupervisors = slices.Clone(rule.BackupSupervisors)
	return rule
}

// All returns the rules in priority order.
func (r Rules) All() []Rule {
	out := make([]Rule, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.For(u))
	}
	return out
}

// Covered lists every urgency level that resolves to rule, so a sweep of the
// fallback rule also picks up unconfigured and unknown levels.
func (r Rules) Covered(rule Rule) []episode.UrgencyLevel {
	levels := append(episode.UrgencyLevels(), episode.UrgencyUnknown)
	out := make([]episode.UrgencyLevel, 0, len(levels))
	for _, u := range levels {
		if r.For(u).Urgency == rule.Urgency {
			out = append(out, u)
		}
	}
	return out
}

// MaxWait returns the SLA for u.
func (r Rules) MaxWait(u episode.UrgencyLevel) time.Duration {
	return r.For(u).MaxWait
}

type ruleFile struct {
	Rules []struct {
		Urgency                  string   `yaml:"urgency"`
		MaxWaitMinutes           int      `yaml:"max_wait_minutes"`
		BackupSupervisors        []string `yaml:"backup_supervisors"`
		DefaultToHigherCareLevel bool     `yaml:"default_to_higher_care_level"`
	} `yaml:"rules"`
}

// ParseRules decodes a YAML rule document:
//
//	rules:
//	  - urgency: EMERGENCY
//	    max_wait_minutes: 5
//	    backup_supervisors: [emergency-supervisor-1]
//	    default_to_higher_care_level: true
func ParseRules(b []byte) (Rules, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Rules{}, fmt.Errorf("decode rules: %w", err)
	}
	rs := make([]Rule, 0, len(f.Rules))
	for _, fr := range f.Rules {
		u := episode.ParseUrgency(fr.Urgency)
		if !u.IsKnown() {
			return Rules{}, fmt.Errorf("rules: unknown urgency %q", fr.Urgency)
		}
		rs = append(rs, Rule{
			Urgency:                  u,
			MaxWait:                  time.Duration(fr.MaxWaitMinutes) * time.Minute,
			BackupSupervisors:        fr.BackupSupervisors,
			DefaultToHigherCareLevel: fr.DefaultToHigherCareLevel,
		})
	}
	return NewRules(rs...)
}

// LoadRules reads and parses a YAML rule file.
func LoadRules(path string) (Rules, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(b)
}
