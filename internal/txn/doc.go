// Package txn owns the transaction lifecycle of a single connection.
// A Guard counts the transaction scopes open on its connection; a State is
// one scope. Only the outermost State begins, commits or rolls back the
// physical transaction, inner States only adjust the depth and, on
// rollback, mark the whole transaction rollback-only.
package txn
