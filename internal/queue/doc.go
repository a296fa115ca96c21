// Package queue derives the priority-ordered validation queue from the
// episode store. There is no separate queue storage: every operation reads
// the store through its validation-status indexes.
package queue
