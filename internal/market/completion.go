// Package market owns the event and option lifecycle: administrative event
// management, option outcome assignment, and the derived transition of an
// event to completed once every option has a result.
package market

import "github.com/atmx/settlement-engine/internal/model"

// EventCompleted reports whether an event with the given options is
// complete: it has at least one option and every option has a result.
func EventCompleted(options []model.Option) bool {
	if len(options) == 0 {
		return false
	}
	for _, o := range options {
		if !o.Resolved() {
			return false
		}
	}
	return true
}
