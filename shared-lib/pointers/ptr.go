package pointers

// Ptr returns a pointer to the given value of any type
func Ptr[T any](v T) *T {
	return &v
}
