// Package ruleset manages transformation rule sets submitted through the
// API. Submissions are stored pending, compiled on the transform lane and
// swapped into the live registry once valid.
package ruleset

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ehr/ehrsync/internal/engine/transform"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusInvalid    Status = "invalid"
	StatusSuperseded Status = "superseded"
)

// RuleSetModel is one stored revision of a rule set. Document holds the rule
// set as JSON.
type RuleSetModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey;column:id" json:"id"`
	Name        string         `gorm:"column:name" json:"name"`
	Provider    string         `gorm:"column:provider;index:idx_rule_set_key" json:"provider"`
	EntityType  string         `gorm:"column:entity_type;index:idx_rule_set_key" json:"entity_type"`
	Version     int            `gorm:"column:version" json:"version"`
	Document    datatypes.JSON `gorm:"type:jsonb;column:document" json:"document"`
	Status      Status         `gorm:"column:status;index" json:"status"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	SubmittedBy string         `gorm:"column:submitted_by" json:"submitted_by,omitempty"`
	ActivatedAt *time.Time     `gorm:"column:activated_at" json:"activated_at,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (RuleSetModel) TableName() string {
	return "sync_rule_set"
}

// NewModel wraps a parsed rule set in a pending model.
func NewModel(rs *transform.RuleSet, submittedBy string) (*RuleSetModel, error) {
	doc, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode rule set: %w", err)
	}
	return &RuleSetModel{
		ID:          uuid.New(),
		Name:        rs.Name,
		Provider:    rs.Provider,
		EntityType:  rs.EntityType,
		Version:     rs.Version,
		Document:    datatypes.JSON(doc),
		Status:      StatusPending,
		SubmittedBy: submittedBy,
	}, nil
}

// RuleSet decodes the stored document.
func (m *RuleSetModel) RuleSet() (*transform.RuleSet, error) {
	var rs transform.RuleSet
	if err := json.Unmarshal(m.Document, &rs); err != nil {
		return nil, fmt.Errorf("decode rule set %s: %w", m.ID, err)
	}
	return &rs, nil
}
