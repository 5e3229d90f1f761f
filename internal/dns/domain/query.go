package domain

// Query is the part of an intercepted DNS request the proxy decides on.
type Query struct {
	ID uint16
	// Name is canonical: lowercase, no trailing dot.
	Name  string
	Type  uint16
	Class uint16
}
