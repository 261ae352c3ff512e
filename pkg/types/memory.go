package types

import "time"

// Memory is the durable unit of the memory layer. Every memory is owned by
// exactly one user and lives in exactly one store at a time.
type Memory struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`

	// Sector is optional on stored records. Use PrimarySector to read it.
	Sector           Sector   `json:"sector,omitempty"`
	SecondarySectors []Sector `json:"secondary_sectors,omitempty"`
	Confidence       float64  `json:"confidence"`

	// Salience is the decay score in [0,1].
	Salience float64 `json:"salience"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`

	Source   string                 `json:"source,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PrimarySector returns the stored sector, or DefaultSector when none is set.
func (m *Memory) PrimarySector() Sector {
	if m.Sector.Valid() {
		return m.Sector
	}
	return DefaultSector
}

// IsPending reports whether the memory is waiting for reconciliation into
// the primary store.
func (m *Memory) IsPending() bool {
	return IsPendingSource(m.Source)
}

// Pinned reports whether the memory is exempt from salience decay.
func (m *Memory) Pinned() bool {
	if m.Metadata == nil {
		return false
	}
	pinned, ok := m.Metadata["pinned"].(bool)
	return ok && pinned
}

// Clone returns a copy that shares no mutable state with m.
func (m *Memory) Clone() *Memory {
	c := *m
	if m.SecondarySectors != nil {
		c.SecondarySectors = append([]Sector(nil), m.SecondarySectors...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		c.LastAccessedAt = &t
	}
	return &c
}

// ClampSalience bounds v to [0,1].
func ClampSalience(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MemoryResult is a memory together with its ranking score and the store it
// was read from.
type MemoryResult struct {
	Memory    Memory    `json:"memory"`
	Score     float64   `json:"score"`
	Residency Residency `json:"residency"`
}

// MemoryStats summarizes one user's memories across both stores.
type MemoryStats struct {
	Total       int            `json:"total"`
	BySector    map[Sector]int `json:"by_sector"`
	AvgSalience float64        `json:"avg_salience"`
}
