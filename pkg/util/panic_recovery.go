package util

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler logs recovered panics with their stack
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{logger: logger}
}

// Recover must be deferred directly; it swallows and logs a panic
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		if ph.logger == nil {
			return
		}
		ph.logger.WithFields(logrus.Fields{
			"component":   component,
			"panic_value": r,
			"stack_trace": string(debug.Stack()),
		}).Error("Panic recovered")
	}
}
