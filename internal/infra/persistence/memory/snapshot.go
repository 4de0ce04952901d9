package memory

import "healthcore/pkg/domain"

// Persistence bucket names. The snapshot stores persist one payload row per
// bucket so ledger records and clinical records stay separately inspectable.
const (
	BucketIdentities = "identities"
	BucketHeaders    = "headers"
	BucketBundles    = "bundles"
	BucketClinical   = "clinical"
)

// Buckets lists all persistence buckets in stable order.
var Buckets = []string{BucketIdentities, BucketHeaders, BucketBundles, BucketClinical}

// BucketFor maps a record type to its persistence bucket.
func BucketFor(typ string) string {
	switch typ {
	case domain.IdentityType:
		return BucketIdentities
	case domain.HeaderType:
		return BucketHeaders
	case domain.BundleType:
		return BucketBundles
	default:
		return BucketClinical
	}
}

// Bucket extracts the portion of the snapshot belonging to the named bucket,
// keyed type -> id -> history.
func (s Snapshot) Bucket(name string) map[string]map[string]History {
	out := make(map[string]map[string]History)
	for typ, records := range s.Records {
		if BucketFor(typ) != name {
			continue
		}
		out[typ] = records
	}
	return out
}

// MergeBuckets reassembles a snapshot from per-bucket payloads.
func MergeBuckets(parts ...map[string]map[string]History) Snapshot {
	s := Snapshot{Records: make(map[string]map[string]History)}
	for _, part := range parts {
		for typ, records := range part {
			s.Records[typ] = records
		}
	}
	return s
}
