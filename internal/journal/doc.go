// Package journal persists received stream messages to Postgres in
// batches. Messages are enqueued from the connection manager's message
// listener into a growable buffer, accumulated into batches, and flushed
// either when the batch fills or on a periodic ticker.
package journal
