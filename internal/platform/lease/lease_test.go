package lease

import (
	"testing"
)

func TestLeaseKey_Namespaced(t *testing.T) {
	if got := leaseKey("expiry-scanner"); got != "abdm:lease:expiry-scanner" {
		t.Fatalf("unexpected lease key: %s", got)
	}
}

// Full Locker behavior (TryAcquire/Renew/Release mutual exclusion) requires
// a live Redis instance and is exercised by the integration suite rather
// than here.
