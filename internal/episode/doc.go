// Package episode defines the care-episode aggregate that moves through human
// validation: urgency levels, supervisor decisions, escalation and override
// metadata, the Store and Notifier ports the queue and escalation engine
// consume, and the structured error taxonomy shared by those layers.
package episode
