// Package persistence provides the transactional accessor handed to task work.
// A Factory hands out EntityManagers, each owning one SQLite connection and
// the txn.Guard tracking transaction scopes on it. EntityManagers are used by
// a single task at a time and are not safe for concurrent use.
package persistence
