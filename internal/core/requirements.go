package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Requirements maps a flag onto the operations it gates, one block per
// enforcement layer. A nil or empty block imposes no constraint at that
// layer: absence means "not applicable", never "disabled".
type Requirements struct {
	Repository RepositoryBlock `json:"repository,omitempty"`
	Service    ServiceBlock    `json:"service,omitempty"`
	API        APIBlock        `json:"api,omitempty"`
}

// RepositoryBlock gates data-access operations: operation name -> either a
// plain boolean (always gated) or a subtype map (gated only for the listed
// entity subtypes).
type RepositoryBlock map[string]OperationRequirement

// ServiceBlock gates business-logic method families: operation-name pattern
// (exact or glob, * and ? only) -> the concrete operation names it covers.
type ServiceBlock map[string][]string

// APIBlock gates request paths: URL path pattern -> gated.
type APIBlock map[string]bool

// IsZero reports whether no layer carries any entries.
func (r Requirements) IsZero() bool {
	return len(r.Repository) == 0 && len(r.Service) == 0 && len(r.API) == 0
}

// OperationRequirement is the per-operation entry of a [RepositoryBlock].
// On the wire it is either the boolean literal true/false or an object
// keyed by subtype discriminator, e.g. {"ewa": true, "bnpl": true}.
type OperationRequirement struct {
	// All gates the operation for every subtype. Meaningful only when
	// BySubtype is nil.
	All bool
	// BySubtype gates the operation for specific subtypes. Subtype-keyed
	// entries never apply to subtype-less calls.
	BySubtype map[string]bool
}

// GateAll returns an entry gating the operation unconditionally.
func GateAll() OperationRequirement {
	return OperationRequirement{All: true}
}

// GateSubtypes returns an entry gating only the given subtypes.
func GateSubtypes(subtypes ...string) OperationRequirement {
	bySubtype := make(map[string]bool, len(subtypes))
	for _, subtype := range subtypes {
		bySubtype[subtype] = true
	}
	return OperationRequirement{BySubtype: bySubtype}
}

// Applies reports whether the entry gates a call with the given subtype
// discriminator. An empty subtype matches only plain-boolean entries.
func (o OperationRequirement) Applies(subtype string) bool {
	if o.BySubtype != nil {
		if subtype == "" {
			return false
		}
		return o.BySubtype[subtype]
	}

	return o.All
}

// Subtypes returns the gated subtype discriminators in sorted order, or nil
// for a plain-boolean entry.
func (o OperationRequirement) Subtypes() []string {
	if o.BySubtype == nil {
		return nil
	}

	subtypes := make([]string, 0, len(o.BySubtype))
	for subtype, gated := range o.BySubtype {
		if gated {
			subtypes = append(subtypes, subtype)
		}
	}
	sort.Strings(subtypes)

	return subtypes
}

// MarshalJSON encodes the entry as a boolean literal or a subtype map.
func (o OperationRequirement) MarshalJSON() ([]byte, error) {
	if o.BySubtype != nil {
		return json.Marshal(o.BySubtype)
	}

	return json.Marshal(o.All)
}

// UnmarshalJSON accepts either form and rejects anything else.
func (o *OperationRequirement) UnmarshalJSON(data []byte) error {
	var gated bool
	if err := json.Unmarshal(data, &gated); err == nil {
		*o = OperationRequirement{All: gated}
		return nil
	}

	var bySubtype map[string]bool
	if err := json.Unmarshal(data, &bySubtype); err != nil {
		return fmt.Errorf("operation requirement must be a boolean or a subtype map: %w", err)
	}

	*o = OperationRequirement{BySubtype: bySubtype}
	return nil
}
