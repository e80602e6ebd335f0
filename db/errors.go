package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrAccountNotFound indicates that an account was not found in the database
	ErrAccountNotFound = errors.New("account not found")

	// ErrProxyNotFound indicates that a proxy referenced by an account does not exist
	ErrProxyNotFound = errors.New("proxy not found")

	// ErrDuplicateAccount indicates that an account with the given email already exists
	ErrDuplicateAccount = errors.New("account already exists")
)
