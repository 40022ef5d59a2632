package health

// Set is an endpoint set. A nil Set means "no filter" when used as an
// allow-list; an empty non-nil Set allows nothing.
type Set map[string]struct{}

// NewSet builds a non-nil Set from endpoints.
func NewSet(endpoints ...string) Set {
	s := make(Set, len(endpoints))
	for _, e := range endpoints {
		s[e] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(endpoint string) bool {
	_, ok := s[endpoint]
	return ok
}

// Filter restricts which endpoints are probed.
type Filter struct {
	Allow Set
	Deny  Set
}

// Apply returns the endpoints that pass the allow-list and are not denied,
// preserving order.
func (f Filter) Apply(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if f.Allow != nil && !f.Allow.Has(e) {
			continue
		}
		if f.Deny.Has(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}
