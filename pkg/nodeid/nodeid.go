// Package nodeid resolves the stable identifier for the machine this
// process is running on, used to tag action-attempt IDs and worker-pool
// instances so multi-instance deployments can be told apart in logs.
// Grounded on the teacher's pkg/license.MachineID, which
// wraps the same library for its own per-install identifier.
package nodeid

import (
	"github.com/denisbrodbeck/machineid"
)

// fallback is used when the host platform's machine id is unreadable
// (containers without /etc/machine-id, sandboxed environments). It is
// fixed rather than randomized so the same unreadable host keeps a
// stable identity across restarts.
const fallback = "unidentified-node"

// Resolve returns a short, stable, non-reversible tag for this machine.
// It never fails: ProtectedID salts the raw machine id with appID before
// hashing, so the returned value cannot be used to recover the host's
// real machine id.
func Resolve(appID string) string {
	id, err := machineid.ProtectedID(appID)
	if err != nil || id == "" {
		return fallback
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
