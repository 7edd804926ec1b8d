package policybundle

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// StableHash implements spec.md §4.1's stable_hash(seed, tenant): a named
// 64-bit non-cryptographic hash with an explicit seed, stable across
// processes. xxhash is already a transitive dependency of the redis client
// used throughout this repo; it is used here directly as the named hash.
func StableHash(seed int64, tenant string) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h := xxhash.New()
	h.Write(buf[:])
	h.Write([]byte(":"))
	h.Write([]byte(tenant))
	return h.Sum64()
}

// Bucket maps (seed, tenant) onto [0,100) deterministically (§8 invariant 8:
// rollout determinism).
func Bucket(seed int64, tenant string) int {
	return int(StableHash(seed, tenant) % 100)
}

// Resolver picks the bundle version for a tenant given the current rollout
// state and any explicit pins.
type Resolver struct {
	ActiveVersion string
	CanaryVersion string
	CanaryPercent int
	Seed          int64
	// Pins is an explicit tenant -> version override, checked first.
	Pins map[string]string
}

// Resolve implements §4.1's rollout resolution: explicit pin wins; else
// canary iff stable_hash(seed,tenant) mod 100 < canary_percent and a canary
// version exists; else active.
func (r Resolver) Resolve(tenant string) string {
	if r.Pins != nil {
		if v, ok := r.Pins[tenant]; ok && v != "" {
			return v
		}
	}
	if r.CanaryVersion != "" && r.CanaryPercent > 0 {
		if Bucket(r.Seed, tenant) < r.CanaryPercent {
			return r.CanaryVersion
		}
	}
	return r.ActiveVersion
}

func (r Resolver) String() string {
	return fmt.Sprintf("active=%s canary=%s(%d%%) seed=%d", r.ActiveVersion, r.CanaryVersion, r.CanaryPercent, r.Seed)
}
