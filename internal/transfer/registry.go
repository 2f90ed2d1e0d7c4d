package transfer

import (
	"fmt"
	"sort"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
)

type entry struct {
	typ     Type
	factory Factory
}

// Registry maps type codes to strategies. It is filled at startup and only
// read afterwards, so lookups take no lock.
type Registry struct {
	env         *Env
	defaultCode string
	entries     map[string]entry
}

// NewRegistry creates an empty registry. defaultCode is resolved when a
// file does not name a type.
func NewRegistry(env *Env, defaultCode string) *Registry {
	return &Registry{
		env:         env,
		defaultCode: defaultCode,
		entries:     make(map[string]entry),
	}
}

// NewDefaultRegistry returns a registry holding the Local, Fetch, Remote and
// Multipart strategies.
func NewDefaultRegistry(env *Env, defaultCode string, multipartSerializable bool) (*Registry, error) {
	r := NewRegistry(env, defaultCode)
	for _, e := range []entry{
		{Local, newLocal},
		{Fetch, newFetch},
		{Remote, newRemote},
		{MultipartType(multipartSerializable), newMultipart(MultipartType(multipartSerializable))},
	} {
		if err := r.Register(e.typ, e.factory); err != nil {
			return nil, err
		}
	}
	if _, ok := r.entries[defaultCode]; !ok {
		return nil, fmt.Errorf("default transfer type %q is not registered", defaultCode)
	}
	return r, nil
}

// Register adds a strategy. Registering a code twice is an error.
func (r *Registry) Register(t Type, factory Factory) error {
	if t.Code == "" {
		return fmt.Errorf("transfer type code must not be empty")
	}
	if _, ok := r.entries[t.Code]; ok {
		return fmt.Errorf("transfer type %q is already registered", t.Code)
	}
	r.entries[t.Code] = entry{typ: t, factory: factory}
	return nil
}

// Resolve returns the strategy for code bound to fc. An empty code resolves
// to the default type.
func (r *Registry) Resolve(code string, fc FileContext) (Transfer, error) {
	if code == "" {
		code = r.defaultCode
	}
	e, ok := r.entries[code]
	if !ok {
		return nil, berrors.ErrLookup.WithMessage("Unknown transfer type %q", code)
	}
	return e.factory(r.env, fc), nil
}

// Lookup returns the registered type for code.
func (r *Registry) Lookup(code string) (Type, bool) {
	if code == "" {
		code = r.defaultCode
	}
	e, ok := r.entries[code]
	return e.typ, ok
}

// Default returns the default type.
func (r *Registry) Default() Type {
	return r.entries[r.defaultCode].typ
}

// Types returns every registered type ordered by code.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
