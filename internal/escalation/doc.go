// Package escalation enforces the per-urgency validation SLAs. It reassigns
// overdue or orphaned episodes to backup supervisors, auto-approves at a
// higher care level when no backup exists and the tier allows it, and
// records supervisor override decisions.
//
// The timeout sweep has no trigger of its own: an external scheduler calls
// Engine.CheckForTimeoutEscalations (through the HTTP API or validqctl).
package escalation
