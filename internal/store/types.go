// Package store keeps the alert history in SQLite. Every row is chained to
// its predecessor with a BLAKE2b-256 hash so edits and deletions are
// detectable.
package store

import (
	"encoding/hex"

	"ransomwatch/internal/alert"
)

// Entry is a stored alert together with its position in the chain.
type Entry struct {
	Seq      int64
	Record   alert.Record
	PrevHash [32]byte
	Hash     [32]byte
}

// HashHex returns the entry hash in hex.
func (e Entry) HashHex() string {
	return hex.EncodeToString(e.Hash[:])
}

// ClassificationCount is one row of CountByClassification.
type ClassificationCount struct {
	Classification alert.Classification
	Count          int64
}

// ChainReport summarises a successful chain verification.
type ChainReport struct {
	Checked int64
	Head    [32]byte
}
