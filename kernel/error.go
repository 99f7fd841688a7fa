package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables holding pointers to Error values: the memory subsystem reports
// failures before any general purpose allocator exists so errors.New is not
// an option.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
