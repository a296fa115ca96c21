package episode

import (
	"fmt"
	"strings"
)

// UrgencyLevel is the ordinal severity of an episode. Lower Rank means higher
// validation priority.
type UrgencyLevel int

const (
	UrgencyUnknown UrgencyLevel = iota
	UrgencyEmergency
	UrgencyUrgent
	UrgencyRoutine
	UrgencySelfCare
)

var (
	urgencyNames = map[UrgencyLevel]string{
		UrgencyUnknown:   "UNKNOWN",
		UrgencyEmergency: "EMERGENCY",
		UrgencyUrgent:    "URGENT",
		UrgencyRoutine:   "ROUTINE",
		UrgencySelfCare:  "SELF_CARE",
	}

	urgencyByName = map[string]UrgencyLevel{
		"EMERGENCY": UrgencyEmergency,
		"URGENT":    UrgencyUrgent,
		"ROUTINE":   UrgencyRoutine,
		"SELF_CARE": UrgencySelfCare,
	}
)

// UrgencyLevels returns the known levels in priority order.
func UrgencyLevels() []UrgencyLevel {
	return []UrgencyLevel{UrgencyEmergency, UrgencyUrgent, UrgencyRoutine, UrgencySelfCare}
}

// ParseUrgency maps a level name to its UrgencyLevel. Matching ignores case
// and accepts "-" for "_". Unrecognised names yield UrgencyUnknown.
func ParseUrgency(s string) UrgencyLevel {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if u, ok := urgencyByName[key]; ok {
		return u
	}
	return UrgencyUnknown
}

func (u UrgencyLevel) String() string {
	if s, ok := urgencyNames[u]; ok {
		return s
	}
	return fmt.Sprintf("UrgencyLevel(%d)", int(u))
}

// IsKnown reports whether u is one of the four configured tiers.
func (u UrgencyLevel) IsKnown() bool {
	_, ok := urgencyByName[urgencyNames[u]]
	return ok
}

// Rank orders levels for the validation queue. Unknown levels sort last.
func (u UrgencyLevel) Rank() int {
	if !u.IsKnown() {
		return int(UrgencySelfCare) + 1
	}
	return int(u)
}

// MarshalText encodes the level name. JSON and YAML both go through it.
func (u UrgencyLevel) MarshalText() ([]byte, error) {
	if !u.IsKnown() {
		return []byte(urgencyNames[UrgencyUnknown]), nil
	}
	return []byte(u.String()), nil
}

// UnmarshalText is lenient: unknown names decode to UrgencyUnknown so that an
// episode with an unexpected level still reaches the fallback rule.
func (u *UrgencyLevel) UnmarshalText(b []byte) error {
	*u = ParseUrgency(string(b))
	return nil
}
