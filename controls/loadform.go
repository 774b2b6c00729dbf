package controls

// LoadFormInput carries the flags the LoadForm decision depends on.
type LoadFormInput struct {
	// Visible is the container's visibility; nil means not stated
	Visible *bool
	// DelayedControls is set when the parent form defers loading some children
	DelayedControls bool
	// ExpressionProperties is set when the container's visibility is
	// controlled by an expression rather than a static flag
	ExpressionProperties bool
}

// LoadFormPolicy decides whether a child container needs a follow-up
// LoadForm interaction. Implementations must be pure.
type LoadFormPolicy func(in LoadFormInput) bool

// DefaultLoadFormPolicy is the heuristic observed on captured sessions:
// an explicitly hidden container is never loaded; otherwise a container is
// loaded when the parent form has delayed controls or the container has
// expression properties.
func DefaultLoadFormPolicy(in LoadFormInput) bool {
	if in.Visible != nil && !*in.Visible {
		return false
	}
	return in.DelayedControls || in.ExpressionProperties
}
