/*
Package ipc implements the filesystem mailbox protocol the orchestrator
uses to talk to its containers: atomic publish-by-rename writes, ordered
draining, and the close sentinel (primitives), plus a ticker-driven
watcher that drains every registered group's messages/ and tasks/
mailboxes and dispatches entries to injected collaborators, enforcing the
rule that only the main group may redirect an outbound message to a
different jid.

A mailbox is a plain directory of .json files named
"<prefix><epoch_ms>-<8 hex>.json"; ascending filename order is creation
order. Temp files are written as ".<name>.tmp" and published by rename,
so a reader never observes a partial write.
*/
package ipc
