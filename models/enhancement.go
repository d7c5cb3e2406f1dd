package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EnhancementType is the closed set of metadata layers a reference can carry.
type EnhancementType string

const (
	EnhancementBibliographic        EnhancementType = "bibliographic"
	EnhancementAbstract             EnhancementType = "abstract"
	EnhancementAnnotation           EnhancementType = "annotation"
	EnhancementLocation             EnhancementType = "location"
	EnhancementReferenceAssociation EnhancementType = "reference_association"
	EnhancementRaw                  EnhancementType = "raw"
	EnhancementFullText             EnhancementType = "full_text"
)

// KnownEnhancementType reports whether t belongs to the closed set.
func KnownEnhancementType(t EnhancementType) bool {
	switch t {
	case EnhancementBibliographic, EnhancementAbstract, EnhancementAnnotation,
		EnhancementLocation, EnhancementReferenceAssociation, EnhancementRaw,
		EnhancementFullText:
		return true
	}
	return false
}

// Enhancement is one immutable metadata layer on a reference. Multiple
// enhancements of the same type may coexist; projection decides which wins.
// Oversized raw/full_text payloads live in the blob store, with BlobKey set.
type Enhancement struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	ReferenceID uuid.UUID       `json:"reference_id" gorm:"type:uuid;index"`
	Type        EnhancementType `json:"type" gorm:"size:40;index"`
	Payload     datatypes.JSON  `json:"payload,omitempty" gorm:"type:jsonb"`
	BlobKey     string          `json:"blob_key,omitempty" gorm:"size:256"`

	// Source names the feed or robot that produced the layer.
	Source string `json:"source,omitempty" gorm:"size:128"`
}

func (Enhancement) TableName() string {
	return "enhancements"
}

func (e *Enhancement) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// BibliographicPayload is the payload shape of a bibliographic enhancement.
// Zero values count as "not supplied" for projection purposes.
type BibliographicPayload struct {
	Title     string   `json:"title,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Year      int      `json:"year,omitempty"`
	Journal   string   `json:"journal,omitempty"`
	Publisher string   `json:"publisher,omitempty"`
}

// AbstractPayload is the payload shape of an abstract enhancement.
type AbstractPayload struct {
	Abstract string `json:"abstract,omitempty"`
}

// LocationPayload is the payload shape of a location enhancement.
type LocationPayload struct {
	LandingPageURL string `json:"landing_page_url,omitempty"`
	PDFURL         string `json:"pdf_url,omitempty"`
}
