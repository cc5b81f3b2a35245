// Package consent implements the Consent Orchestrator: the ConsentRequest →
// ConsentArtifact lifecycle, including outbound initiation against the
// ABDM Gateway and reconciliation of asynchronous webhook callbacks
// (spec.md §4.B).
package consent

import (
	"time"

	"github.com/google/uuid"
)

// HIType is a member of the closed health-information-type enumeration
// ABDM recognizes (spec.md §3).
type HIType string

const (
	HITypeDiagnosticReport    HIType = "DiagnosticReport"
	HITypePrescription        HIType = "Prescription"
	HITypeDischargeSummary    HIType = "DischargeSummary"
	HITypeOPConsultation      HIType = "OPConsultation"
	HITypeImmunizationRecord  HIType = "ImmunizationRecord"
	HITypeHealthDocumentRecord HIType = "HealthDocumentRecord"
	HITypeWellnessRecord      HIType = "WellnessRecord"
	HITypeObservation         HIType = "Observation"
	HITypeCondition           HIType = "Condition"
	HITypeProcedure           HIType = "Procedure"
	HITypeMedicationRequest   HIType = "MedicationRequest"
	HITypeAllergyIntolerance HIType = "AllergyIntolerance"
)

// ValidHITypes is the closed set HIType values must be drawn from.
var ValidHITypes = map[HIType]bool{
	HITypeDiagnosticReport: true, HITypePrescription: true, HITypeDischargeSummary: true,
	HITypeOPConsultation: true, HITypeImmunizationRecord: true, HITypeHealthDocumentRecord: true,
	HITypeWellnessRecord: true, HITypeObservation: true, HITypeCondition: true,
	HITypeProcedure: true, HITypeMedicationRequest: true, HITypeAllergyIntolerance: true,
}

// ConsentStatus is the lifecycle state of a ConsentRequest.
type ConsentStatus string

const (
	StatusRequested ConsentStatus = "REQUESTED"
	StatusGranted   ConsentStatus = "GRANTED"
	StatusDenied    ConsentStatus = "DENIED"
	StatusExpired   ConsentStatus = "EXPIRED"
	StatusRevoked   ConsentStatus = "REVOKED"
	StatusError     ConsentStatus = "ERROR"
)

// IsTerminal reports whether status admits no further transitions except
// the no-op "terminal + any event" rule (spec.md §4.B state table).
func (s ConsentStatus) IsTerminal() bool {
	switch s {
	case StatusDenied, StatusExpired, StatusRevoked:
		return true
	case StatusError:
		return true // ERROR is terminal unless re-submitted, which creates a fresh attempt
	default:
		return false
	}
}

// ArtifactStatus is the lifecycle state of a ConsentArtifact.
type ArtifactStatus string

const (
	ArtifactActive  ArtifactStatus = "ACTIVE"
	ArtifactExpired ArtifactStatus = "EXPIRED"
	ArtifactRevoked ArtifactStatus = "REVOKED"
)

// ConsentRequest is a HIU-initiated ask for patient data (spec.md §3).
type ConsentRequest struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	PatientAbhaID  string
	RequesterID    uuid.UUID
	PurposeCode    string
	PurposeText    string
	HITypes        []HIType
	DateRangeFrom  time.Time
	DateRangeTo    time.Time
	ExpiresAt      time.Time
	HIPs           []string
	ABDMRequestID  string
	Status         ConsentStatus
	ErrorReason    string
	ErrRecoverable bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Permission is the access grant described by a ConsentArtifact.
type Permission struct {
	AccessMode    string
	HITypes       []HIType
	DateRangeFrom time.Time
	DateRangeTo   time.Time
	DataEraseAt   time.Time
}

// ConsentArtifact is the signed permission returned by the Consent Manager
// on GRANT (spec.md §3).
type ConsentArtifact struct {
	ID               uuid.UUID
	ConsentRequestID uuid.UUID
	ABDMArtifactID   string
	// PatientAbhaID is carried over from the originating ConsentRequest so
	// downstream Gateway calls (e.g. initiating an HI fetch) can derive the
	// correct X-CM-ID without a second lookup.
	PatientAbhaID string
	Permission    Permission
	SignedPayload    []byte
	GrantedAt        time.Time
	ExpiresAt        time.Time
	Status           ArtifactStatus
}

// ConsentStatusView is the getConsentStatus response shape (spec.md §4.B).
type ConsentStatusView struct {
	Status    ConsentStatus
	Artifact  *ConsentArtifact
	LastEvent string
}

// containsAll reports whether super is a superset of sub.
func containsAll(super, sub []HIType) bool {
	set := make(map[HIType]bool, len(super))
	for _, t := range super {
		set[t] = true
	}
	for _, t := range sub {
		if !set[t] {
			return false
		}
	}
	return true
}

// withinWindow reports whether [from,to] sits inside [outerFrom,outerTo].
func withinWindow(from, to, outerFrom, outerTo time.Time) bool {
	return !from.Before(outerFrom) && !to.After(outerTo)
}
