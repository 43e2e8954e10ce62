package registry

func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type RegistryError struct {
	msg string
}

func newRegistryError(msg string) RegistryError {
	return RegistryError{msg: msg}
}

func (e RegistryError) Error() string {
	return messageOrDefault(e.msg, "registry error")
}

type ParamError struct {
	RegistryError
}

func (e ParamError) Error() string {
	return messageOrDefault(e.msg, "invalid registry parameter")
}

// MemoryError reports that the table cannot take another key.
type MemoryError struct {
	RegistryError
}

func (e MemoryError) Error() string {
	return messageOrDefault(e.msg, "registry full")
}

type NotFoundError struct {
	RegistryError
}

func (e NotFoundError) Error() string {
	return messageOrDefault(e.msg, "key not found")
}

// NewNotFoundError builds a NotFoundError for callers that index values
// stored in a Table.
func NewNotFoundError(msg string) NotFoundError {
	return NotFoundError{newRegistryError(msg)}
}
