package processor

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"paycore/internal/common/money"
	"paycore/internal/payment"
)

// Factory builds a processor instance bound to one payment.
type Factory func(p *payment.Payment, settings Settings) Processor

// Entry describes a registered backend.
type Entry struct {
	Slug         string
	DisplayName  string
	Currencies   []money.Currency
	Confirmation ConfirmationMethod
	Factory      Factory
}

// Choice is one backend offered to buyers.
type Choice struct {
	Slug         string             `json:"slug"`
	DisplayName  string             `json:"display_name"`
	Confirmation ConfirmationMethod `json:"confirmation,omitempty"`
}

// ErrFrozen is returned when registering after the registry was frozen.
var ErrFrozen = errors.New("processor registry is frozen")

// Registry maps backend slugs to processor factories. It is populated at
// process start, frozen, and read-mostly afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	frozen  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a backend. Duplicate registration overwrites silently.
// Registration after Freeze is rejected.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if e.Slug == "" || e.Factory == nil {
		return errors.New("registry entry needs a slug and a factory")
	}
	normalized := make([]money.Currency, 0, len(e.Currencies))
	for _, c := range e.Currencies {
		normalized = append(normalized, money.Currency(strings.ToUpper(string(c))))
	}
	e.Currencies = normalized
	r.entries[e.Slug] = e
	return nil
}

// Freeze closes the registry for further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Contains reports whether a slug is registered.
func (r *Registry) Contains(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[slug]
	return ok
}

// Get returns the entry for a slug.
func (r *Registry) Get(slug string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[slug]
	return e, ok
}

// Slugs returns all registered slugs, sorted.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slugs := make([]string, 0, len(r.entries))
	for slug := range r.entries {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Choices returns the (slug, display name) pairs of backends accepting the
// given currency. The lookup is case-insensitive.
func (r *Registry) Choices(currency money.Currency) []Choice {
	want := strings.ToUpper(string(currency))
	r.mu.RLock()
	defer r.mu.RUnlock()

	var choices []Choice
	for _, e := range r.entries {
		for _, c := range e.Currencies {
			if string(c) == want {
				choices = append(choices, Choice{
					Slug:         e.Slug,
					DisplayName:  e.DisplayName,
					Confirmation: e.Confirmation,
				})
				break
			}
		}
	}
	sort.Slice(choices, func(i, j int) bool { return choices[i].Slug < choices[j].Slug })
	return choices
}

// Supports reports whether the backend accepts the currency.
func (r *Registry) Supports(slug string, currency money.Currency) bool {
	e, ok := r.Get(slug)
	if !ok {
		return false
	}
	want := strings.ToUpper(string(currency))
	for _, c := range e.Currencies {
		if string(c) == want {
			return true
		}
	}
	return false
}
