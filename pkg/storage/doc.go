// Package storage defines the RunStore contract for persisted pipeline runs
// and the helpers shared by its adapters: sentinel errors and tenant
// context scoping.
//
// Adapters live in sub-packages: memory (LRU-capped, process local),
// postgres (pgx pool with embedded migrations) and sqlite (pure Go driver).
package storage
