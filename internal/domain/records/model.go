// Package records implements the Record Store & Integrity Layer: durable
// storage of ingested FHIR resources with checksum verification on every
// read, superseding version history, and access logging (spec.md §4.D).
package records

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source identifies how a HealthRecord entered the store.
type Source string

const (
	SourceABDM     Source = "ABDM"
	SourceLocal    Source = "LOCAL"
	SourceImported Source = "IMPORTED"
)

// Status is the lifecycle state of a HealthRecord version.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuperseded Status = "SUPERSEDED"
	StatusDeleted   Status = "DELETED"
)

// HealthRecord is one FHIR resource as ingested (spec.md §3).
type HealthRecord struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	FetchRequestID *uuid.UUID
	ABDMRecordID  *string
	RecordType    string
	RecordDate    time.Time
	ProviderID    string
	ProviderName  string
	ProviderType  string
	FHIRResource  json.RawMessage
	Checksum      string
	Source        Source
	Status        Status
	Version       int
	CreatedAt     time.Time
}

// Filters narrows findByPatient (spec.md §4.D).
type Filters struct {
	RecordType string
	Source     Source
	From       *time.Time
	To         *time.Time
}

// Paging bounds a findByPatient page (spec.md §4.F: "pagination limit 1..100, default 10").
type Paging struct {
	Limit  int
	Offset int
}

func (p Paging) normalized() Paging {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
