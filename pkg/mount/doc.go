// Package mount validates the bind mounts requested for a group's
// container before the container runner is allowed to render them into
// CLI flags. It is the trust boundary between whatever a group's
// configuration asks for and the host filesystem the orchestrator
// itself runs on.
package mount
