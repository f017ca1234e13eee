// Package storage is the persistence layer behind the join scheduler.
//
// It stores, per owner:
//   - Accounts (identities with daily/total join counters and cooldown state)
//   - Links (join targets and their terminal status)
//   - Settings (pacing and caps)
//   - Join history (one row per classified attempt)
//
// plus the process-wide proxy list.
package storage
