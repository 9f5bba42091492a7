// Package cache defines the versioned response store shared by every request
// handling context. A Store holds one Bucket per generation label; each Bucket
// maps GET request keys (method + absolute URL) to complete responses. Puts are
// atomic per key and resolve concurrent writers by last-write-wins; there are
// no cross-key transactions. Three drivers are provided: fs (one envelope file
// per entry, temp file + rename), sqlite (single database file) and memory.
// The lifecycle controller creates, primes, activates and drops buckets; the
// strategy executor reads and populates the active one.
package cache
