// Package workflow is the request boundary for human validation: submitting
// episodes, reporting their status, listing the queue and recording
// supervisor decisions.
package workflow
