package state

// Certificate is the anytime artifact built once at the end of a solve
// attempt: the best value found, its residuals against the original
// constraints, and whether it passed verification. It is never mutated after
// construction.
type Certificate struct {
	Value       string             `json:"value"`
	HasValue    bool               `json:"has_value"`
	Residuals   map[string]float64 `json:"residuals"`
	Verified    bool               `json:"verified"`
	ErrorBounds *[2]float64        `json:"error_bounds,omitempty"`
}

func (c *Certificate) clone() *Certificate {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Residuals != nil {
		cp.Residuals = make(map[string]float64, len(c.Residuals))
		for k, v := range c.Residuals {
			cp.Residuals[k] = v
		}
	}
	if c.ErrorBounds != nil {
		eb := *c.ErrorBounds
		cp.ErrorBounds = &eb
	}
	return &cp
}
