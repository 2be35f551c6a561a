// Package storage persists the bot's durable state:
//   - the batch registry (credential, destination chat, active flag, timestamps)
//   - the processed-lecture ledger as an insertion-ordered id list
//   - an append-only audit trail of operator actions
//
// Two drivers exist: "file" (one JSON document, rewritten atomically on every
// mutation) and "sqlite" (modernc.org/sqlite, WAL).
package storage
