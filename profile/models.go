package profile

import "time"

// Card captures the subset of member data exposed via the public API layer.
// Email, role and credentials never leave the auth package.
type Card struct {
	ID        string
	FullName  string
	Bio       *string
	Skills    []string
	Rating    float64
	CreatedAt time.Time
}
