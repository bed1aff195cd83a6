// Package resolve collapses the typed candidates of one natural key into a
// single canonical row and guards identity constraints across keys.
package resolve

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/WesGarrett/Medallion-Warehouse/internal/coerce"
)

// Policy selects how conflicting candidate values are merged.
type Policy string

const (
	// PolicyLastWriteWins keeps, per field, the non-null value with the latest
	// ingestion timestamp.
	PolicyLastWriteWins Policy = "last_write_wins"
	// PolicyFirstWriteWins keeps, per field, the earliest non-null value.
	PolicyFirstWriteWins Policy = "first_write_wins"
	// PolicyLatestRow keeps the latest candidate as a whole, nulls included.
	PolicyLatestRow Policy = "latest_row"
)

// ParsePolicy converts a config value into a Policy. Empty means the default.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(strings.ToLower(s))); p {
	case "":
		return PolicyLastWriteWins, nil
	case PolicyLastWriteWins, PolicyFirstWriteWins, PolicyLatestRow:
		return p, nil
	default:
		return "", eris.Errorf("resolve: unknown conflict policy %q", s)
	}
}

// ErrNoCandidates is returned when Resolve is given nothing to resolve.
var ErrNoCandidates = eris.New("resolve: no candidates")

// Resolver merges candidate rows under a Policy.
type Resolver struct {
	policy Policy
}

// NewResolver returns a Resolver for p.
func NewResolver(p Policy) *Resolver {
	if p == "" {
		p = PolicyLastWriteWins
	}
	return &Resolver{policy: p}
}

// Policy returns the resolver's merge policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve merges candidates sharing one natural key. Candidates are ordered
// by ingestion timestamp; equal timestamps keep their input order, so the
// later one wins. The result carries the metadata of the latest candidate.
// Resolving a single candidate returns a copy of it.
func (r *Resolver) Resolve(candidates []coerce.Record) (coerce.Record, error) {
	if len(candidates) == 0 {
		return coerce.Record{}, ErrNoCandidates
	}
	key := candidates[0].Key
	for _, c := range candidates[1:] {
		if c.Key != key {
			return coerce.Record{}, eris.Errorf("resolve: mixed natural keys %q and %q", key, c.Key)
		}
	}

	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b coerce.Record) int {
		return a.IngestedAt.Compare(b.IngestedAt)
	})

	latest := ordered[len(ordered)-1]
	if r.policy == PolicyLatestRow {
		return latest.Clone(), nil
	}

	out := latest
	out.Values = make(map[string]any)
	for _, c := range ordered {
		for col, v := range c.Values {
			if v == nil {
				continue
			}
			if _, set := out.Values[col]; set && r.policy == PolicyFirstWriteWins {
				continue
			}
			out.Values[col] = v
		}
	}
	return out, nil
}

// Group is the set of records sharing one natural key.
type Group struct {
	Key     string
	Records []coerce.Record
}

// GroupByKey partitions records by natural key. Groups appear in order of
// each key's first record, and records keep their input order.
func GroupByKey(records []coerce.Record) []Group {
	idx := make(map[string]int)
	var groups []Group
	for _, rec := range records {
		i, ok := idx[rec.Key]
		if !ok {
			i = len(groups)
			idx[rec.Key] = i
			groups = append(groups, Group{Key: rec.Key})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	return groups
}
