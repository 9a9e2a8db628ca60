package models

// Tier is a routing policy class mapped to a backend choice.
type Tier string

// Routing tiers. CacheCandidate is produced only by the BM25 fast path and
// never reaches a backend.
const (
	TierCacheOnly      Tier = "CACHE_ONLY"
	TierLocal          Tier = "LOCAL"
	TierCheap          Tier = "CHEAP"
	TierPremium        Tier = "PREMIUM"
	TierCacheCandidate Tier = "CACHE_CANDIDATE"
)

// ParseTier maps a request-level force_tier value to a Tier. Unknown
// values return an empty tier.
func ParseTier(s string) Tier {
	switch s {
	case "local", "LOCAL":
		return TierLocal
	case "cheap", "CHEAP":
		return TierCheap
	case "premium", "PREMIUM":
		return TierPremium
	default:
		return ""
	}
}

// RateBucketName maps a tier to its rate-limiter bucket.
func (t Tier) RateBucketName() string {
	switch t {
	case TierCheap, TierLocal:
		return "cheap"
	case TierPremium:
		return "premium"
	default:
		return "global"
	}
}

// CostBucket maps a tier to the budget ledger's column family.
func (t Tier) CostBucket() string {
	if t == TierPremium {
		return "premium"
	}
	return "cheap"
}
