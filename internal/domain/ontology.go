package domain

import (
	"time"
)

// Entity is a node in the ontology graph. Rules live here as entities with
// label "Rule"; their Props carry the structured rule fields.
type Entity struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Name      string         `json:"name"`
	Props     map[string]any `json:"props,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Relation is a directed edge between two entities.
type Relation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Well-known ontology labels and relation types.
const (
	EntityLabelRule = "Rule"

	// RelationInvolves scopes a rule entity to an ontology class entity.
	// A rule with no involves edge applies to every class.
	RelationInvolves = "involves"
)
