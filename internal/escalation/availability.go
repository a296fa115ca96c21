package escalation

import (
	"context"
	"slices"
)

// AvailabilityChecker picks a backup supervisor for a rule. It returns "" when
// no backup is available; exclude lists supervisors that must not be chosen.
type AvailabilityChecker interface {
	FindAvailable(ctx context.Context, rule Rule, exclude []string) (string, error)
}

// AvailabilityFunc adapts a function to AvailabilityChecker.
type AvailabilityFunc func(ctx context.Context, rule Rule, exclude []string) (string, error)

// FindAvailable implements AvailabilityChecker.
func (f AvailabilityFunc) FindAvailable(ctx context.Context, rule Rule, exclude []string) (string, error) {
	return f(ctx, rule, exclude)
}

// FirstConfigured treats every configured backup as available and returns
// the first non-empty one in configuration order.
type FirstConfigured struct{}

// FindAvailable implements AvailabilityChecker.
func (FirstConfigured) FindAvailable(_ context.Context, rule Rule, exclude []string) (string, error) {
	for _, s := range rule.BackupSupervisors {
		if s != "" && !slices.Contains(exclude, s) {
			return s, nil
		}
	}
	return "", nil
}
