package payment

import (
	"context"
	"sort"
)

// Validator checks an order+backend pair before a payment is created.
// Validators are identified by Name; the name doubles as the deduplication
// key and the sort key, so execution order is deterministic across runs.
type Validator struct {
	Name string
	Fn   func(ctx context.Context, order Order, backend string) error
}

// MergeValidators combines the global and per-backend validator lists,
// drops duplicates by name and returns them sorted by name. No validator
// runs twice for a single payment creation.
func MergeValidators(global, backend []Validator) []Validator {
	seen := make(map[string]bool, len(global)+len(backend))
	merged := make([]Validator, 0, len(global)+len(backend))
	for _, v := range append(append([]Validator{}, global...), backend...) {
		if v.Name == "" || seen[v.Name] {
			continue
		}
		seen[v.Name] = true
		merged = append(merged, v)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged
}

// RunValidators executes the merged validator chain, stopping at the first
// failure.
func RunValidators(ctx context.Context, validators []Validator, order Order, backend string) error {
	for _, v := range validators {
		if err := v.Fn(ctx, order, backend); err != nil {
			return err
		}
	}
	return nil
}
