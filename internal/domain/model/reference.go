package model

import "fmt"

// ReferenceType identifies one of the foreign-key reference tables a batch
// record points at.
type ReferenceType string

const (
	// ReferenceDepartment resolves department ids.
	ReferenceDepartment ReferenceType = "department"
	// ReferenceOffice resolves office ids.
	ReferenceOffice ReferenceType = "office"
	// ReferenceTitle resolves title ids.
	ReferenceTitle ReferenceType = "title"
)

// Valid returns true if the ReferenceType is valid.
func (t ReferenceType) Valid() bool {
	return t == ReferenceDepartment || t == ReferenceOffice || t == ReferenceTitle
}

// Reference is one resolved foreign-key row. References are owned transiently
// by the resolver for the duration of one batch.
type Reference struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ResolvedReference wraps a lookup result; Missing references never block the
// batch, they fail only the records that need them.
type ResolvedReference struct {
	Ref     *Reference
	Missing bool
}

// ResolvedSet holds every reference resolved for one batch, keyed by type and id.
type ResolvedSet map[ReferenceType]map[string]ResolvedReference

// Lookup returns the resolved reference for (refType, id), or a Missing marker
// when the id was never requested or could not be resolved.
func (s ResolvedSet) Lookup(refType ReferenceType, id string) ResolvedReference {
	byID, ok := s[refType]
	if !ok {
		return ResolvedReference{Missing: true}
	}
	ref, ok := byID[id]
	if !ok {
		return ResolvedReference{Missing: true}
	}
	return ref
}

// Require returns the reference row or an error naming the missing reference.
func (s ResolvedSet) Require(refType ReferenceType, id string) (*Reference, error) {
	resolved := s.Lookup(refType, id)
	if resolved.Missing || resolved.Ref == nil {
		return nil, fmt.Errorf("unknown %s: %s", refType, id)
	}
	return resolved.Ref, nil
}
