package domain

// Host is a live editor surface bound to a session while it is activated.
// The session consults its host before destructive transitions so an editor
// with unsaved intent can veto them.
type Host interface {
	// ValidateDelete is called before the session is torn down. Returning
	// an error aborts the deletion.
	ValidateDelete(callerID string, canceled bool) error
}

// HostFunc adapts a delete-validation function to the Host interface.
type HostFunc func(callerID string, canceled bool) error

// ValidateDelete implements Host.
func (f HostFunc) ValidateDelete(callerID string, canceled bool) error {
	return f(callerID, canceled)
}
