// Package audit implements the append-only audit trail: ConsentAuditEvent
// (consent lifecycle history) and AccessLog (who read which health record,
// when). Nothing here ever mutates a row once written; corrections are
// additional events (spec.md §4.E).
package audit

import (
	"time"

	"github.com/google/uuid"
)

// ConsentEvent is one step in a consent request's lifecycle.
type ConsentEvent string

const (
	ConsentEventCreated         ConsentEvent = "CREATED"
	ConsentEventSubmitted       ConsentEvent = "SUBMITTED"
	ConsentEventGranted         ConsentEvent = "GRANTED"
	ConsentEventDenied          ConsentEvent = "DENIED"
	ConsentEventExpired         ConsentEvent = "EXPIRED"
	ConsentEventRevoked         ConsentEvent = "REVOKED"
	ConsentEventError           ConsentEvent = "ERROR"
	ConsentEventCallbackReceived ConsentEvent = "CALLBACK_RECEIVED"

	// ConsentEventSecurity flags an integrity or tamper concern rather than a
	// lifecycle transition — e.g. a stored record failing checksum
	// verification on read (spec.md §4.D, §7).
	ConsentEventSecurity ConsentEvent = "SECURITY"
)

// AccessType is how a clinician touched a HealthRecord.
type AccessType string

const (
	AccessView   AccessType = "VIEW"
	AccessExport AccessType = "EXPORT"
	AccessPrint  AccessType = "PRINT"
	AccessShare  AccessType = "SHARE"
)

// ConsentAuditEvent records one lifecycle transition or notable occurrence.
// ConsentRequestID is set for lifecycle events; SECURITY events raised
// against a HealthRecord instead carry HealthRecordID and leave
// ConsentRequestID nil (spec.md §4.D, §7).
type ConsentAuditEvent struct {
	ID               uuid.UUID      `json:"id"`
	ConsentRequestID *uuid.UUID     `json:"consentRequestId,omitempty"`
	HealthRecordID   *uuid.UUID     `json:"healthRecordId,omitempty"`
	Event            ConsentEvent   `json:"event"`
	Actor            string         `json:"actor"`
	Details          map[string]any `json:"details,omitempty"`
	At               time.Time      `json:"at"`
}

// AccessLog records a successful read of a HealthRecord.
type AccessLog struct {
	ID             uuid.UUID  `json:"id"`
	HealthRecordID uuid.UUID  `json:"healthRecordId"`
	UserID         string     `json:"userId"`
	AccessType     AccessType `json:"accessType"`
	IP             string     `json:"ip"`
	UserAgent      string     `json:"userAgent"`
	At             time.Time  `json:"at"`
}
