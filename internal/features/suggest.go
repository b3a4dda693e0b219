package features

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// Suggest returns up to limit registered names that fuzzily match name,
// best match first.
func (r *Registry) Suggest(name string, limit int) []string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || limit <= 0 {
		return nil
	}
	names := make([]string, len(r.list))
	for i, d := range r.list {
		names[i] = d.Name
	}
	var out []string
	for _, m := range fuzzy.Find(name, names) {
		out = append(out, m.Str)
		if len(out) == limit {
			break
		}
	}
	return out
}
