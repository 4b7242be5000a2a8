// Package util contains internal helpers (hashing, striping, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

// 64- and 32-bit FNV-1a constants.
const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// Fnv64a hashes s with 64-bit FNV-1a. Fast, allocation-free and stable
// across processes, which is what pool selection and counter striping
// need; it is not cryptographic.
func Fnv64a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

// Fnv32a hashes s with 32-bit FNV-1a.
func Fnv32a(s string) uint32 {
	h := uint32(fnvOffset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// HostID derives the stable numeric host identifier reported by the admin
// surface. Same hostname, same id, on every run.
func HostID(hostname string) uint32 {
	return Fnv32a(hostname)
}
