// Package store defines the run ledger contract. Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
