// Package authclinician enforces the ownership half of spec.md §4.F's
// authenticated-endpoint rule: "enforce role (doctor or admin) and ownership
// (doctor can only act on their patients; admin bypasses)". Role-gating
// itself is handled by internal/platform/auth.RequireRole; this package is
// deliberately thin — one owner-ID comparison, not a policy engine.
package authclinician

import (
	"github.com/google/uuid"

	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
)

// Authorize enforces admin-bypass / doctor-owns-resource against a single
// owner field already resolved by the caller (a ConsentRequest's
// RequesterID, a HIFetchRequest's DoctorID, ...). An empty ownerID means
// the resource carries no tracked owner (e.g. a record stored outside the
// ABDM fetch flow) and is left to role-gating alone.
func Authorize(roles []string, currentUserID, ownerID uuid.UUID) error {
	for _, r := range roles {
		if r == "admin" {
			return nil
		}
	}
	if ownerID == uuid.Nil || ownerID == currentUserID {
		return nil
	}
	return apierr.Unauthorized("not authorized to act on this patient's resource")
}
