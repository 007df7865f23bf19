// Package acp serves murmur over the Agent Client Protocol (ACP), so editors
// such as Zed can drive it through JSON-RPC over stdio.
//
// Messages are newline-delimited JSON objects. Every ACP session owns its own
// agent and conversation; a session/prompt answers once its turn has ended,
// while the reply streams as session/update notifications.
package acp
