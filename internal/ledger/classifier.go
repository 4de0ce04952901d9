package ledger

import (
	"os"
	"sort"
	"strings"

	"healthcore/pkg/domain"
)

// defaultSharedTypeNames lists the record types treated as shared reference
// data out of the box: written without an owner tag, excluded from receipts,
// visible to every account.
var defaultSharedTypeNames = []string{
	"Questionnaire",
	"Organization",
	"Practitioner",
	"Location",
	"PractitionerRole",
	"StructureDefinition",
	"SearchParameter",
}

// SharedTypes classifies record types as shared reference data versus
// account-owned clinical data. The ledger's own record types (identity,
// header, bundle) can never be shared regardless of configuration.
type SharedTypes struct {
	names map[string]struct{}
}

// NewSharedTypes builds a classifier over the given type names. Reserved
// ledger types are silently dropped from the set.
func NewSharedTypes(names ...string) *SharedTypes {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		switch name {
		case "", domain.IdentityType, domain.HeaderType, domain.BundleType:
			continue
		}
		set[name] = struct{}{}
	}
	return &SharedTypes{names: set}
}

// DefaultSharedTypes returns the built-in shared type set.
func DefaultSharedTypes() *SharedTypes {
	return NewSharedTypes(defaultSharedTypeNames...)
}

// SharedTypesFromEnv reads HEALTHCORE_SHARED_TYPES (comma-separated type
// names) and falls back to the default set when unset.
func SharedTypesFromEnv() *SharedTypes {
	raw := os.Getenv("HEALTHCORE_SHARED_TYPES")
	if raw == "" {
		return DefaultSharedTypes()
	}
	return NewSharedTypes(strings.Split(raw, ",")...)
}

// Contains reports whether the type is shared.
func (s *SharedTypes) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Names returns the configured type names, sorted.
func (s *SharedTypes) Names() []string {
	out := make([]string, 0, len(s.names))
	for name := range s.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
