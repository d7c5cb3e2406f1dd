package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reference is the identity record for one scholarly work. References are
// never deleted; duplicate relationships are expressed through decisions.
type Reference struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Visibility string `json:"visibility" gorm:"size:32;index;default:'public'"`

	Identifiers  []ExternalIdentifier `json:"identifiers,omitempty" gorm:"foreignKey:ReferenceID"`
	Enhancements []Enhancement        `json:"enhancements,omitempty" gorm:"foreignKey:ReferenceID"`
}

// TableName avoids the reserved word "references".
func (Reference) TableName() string {
	return "reference_records"
}

func (r *Reference) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
