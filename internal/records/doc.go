// Package records is the deduplicating repository for collected items.
//
// A record is rejected when its ID already exists or when its title is too
// similar to a stored one (see Similarity). Both checks and the insert run
// under one store-wide writer lock, so concurrent Save calls can never both
// accept near-identical titles.
package records
