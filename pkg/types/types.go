// Package types defines the core data structures for the Mnemos memory layer.
// These types describe memory nodes, their semantic sectors and provenance,
// and the result shapes returned by the memory service.
package types

import "fmt"

// Sector is the semantic category a memory is bucketed into.
type Sector string

// Sector constants
const (
	// SectorEpisodic holds events and experiences tied to a time or place
	SectorEpisodic Sector = "episodic"

	// SectorSemantic holds facts, preferences and general knowledge
	SectorSemantic Sector = "semantic"

	// SectorProcedural holds how-to knowledge and routines
	SectorProcedural Sector = "procedural"

	// SectorEmotional holds feelings and sentiment
	SectorEmotional Sector = "emotional"

	// SectorReflective holds insights, goals and self-assessment
	SectorReflective Sector = "reflective"
)

// DefaultSector is applied when classification fails or a stored record
// carries no sector.
const DefaultSector = SectorSemantic

// Sectors lists every sector in canonical order. Ties between equal sector
// scores are broken by this order.
var Sectors = []Sector{
	SectorEpisodic,
	SectorSemantic,
	SectorProcedural,
	SectorEmotional,
	SectorReflective,
}

// Valid reports whether s is one of the five known sectors.
func (s Sector) Valid() bool {
	switch s {
	case SectorEpisodic, SectorSemantic, SectorProcedural, SectorEmotional, SectorReflective:
		return true
	}
	return false
}

// ParseSector converts a string into a Sector.
func ParseSector(s string) (Sector, error) {
	sector := Sector(s)
	if !sector.Valid() {
		return "", fmt.Errorf("types: unknown sector %q", s)
	}
	return sector, nil
}

// Provenance tags stored in Memory.Source.
const (
	SourceConversation   = "conversation"
	SourceImport         = "import"
	SourceImportPending  = "import_pending"
	SourceVectorFallback = "qdrant_fallback"
)

// IsPendingSource reports whether source marks a fallback-store resident that
// has not been embedded into the primary store yet.
func IsPendingSource(source string) bool {
	return source == SourceImportPending || source == SourceVectorFallback
}

// Residency tells which store a memory currently lives in.
type Residency string

const (
	ResidencyPrimary  Residency = "primary"
	ResidencyFallback Residency = "fallback"
)
