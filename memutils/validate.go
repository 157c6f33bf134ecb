package memutils

// Validatable is implemented by types with internal invariants worth checking in debug
// builds. DebugValidate runs the check when the debug_graphics build tag is present and
// no-ops otherwise
type Validatable interface {
	Validate() error
}
