// Copyright 2025 Certen Protocol
//
// Sentinel errors for repository operations: explicit errors instead of
// nil, nil returns.

package database

import "errors"

var (
	// ErrNotFound is returned when a requested entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrTransactionRecordNotFound is returned when an archived
	// TransactionRecord is not found for the requested transaction id.
	ErrTransactionRecordNotFound = errors.New("transaction record not found")
)
