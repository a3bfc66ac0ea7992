package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects operations against paused modules. A nil view or empty module
// name means pausing is not wired and the operation proceeds.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPauses is a fixed PauseView resolved from configuration at startup.
type StaticPauses map[string]bool

func (p StaticPauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	return p[module]
}
