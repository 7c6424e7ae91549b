/*
Package types defines the data model shared by the orchestrator's
subsystems: the container wire protocol (ContainerInput/ContainerOutput),
the filesystem mailbox message shapes (IpcMessage, IpcTask, IpcInput), the
mount-security policy document (Mount, Allowlist), the collaborator view
of a known group (RegisteredGroup), and the group queue's unit of work
(WorkItem).

These types carry no behavior beyond small accessors; the packages that
act on them (pkg/ipc, pkg/mount, pkg/container, pkg/queue) import this
package rather than each other, so the data model has exactly one
definition.
*/
package types
