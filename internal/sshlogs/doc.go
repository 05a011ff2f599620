// Package sshlogs streams logs of deployed services from hosts over SSH.
//
// A deployment template names the service it manages either by systemd unit
// (journal tailing via journalctl) or by an explicit log file path (tail).
// [ForService] applies the resolution rule: an explicit path always wins,
// otherwise the service unit is tailed from the journal, falling back to the
// service type as the unit name. That covers the common case — a template
// named "nginx" deploying the nginx unit — without any per-template
// configuration.
//
// # Log Rotation
//
// File tailing uses "tail -F" (follow by name with retry). When logrotate
// renames the current file and creates a fresh one, tail switches to the new
// file on its own, so a stream survives rotation without the client
// reconnecting. Journal tailing has no rotation problem to begin with.
//
// # Streaming API
//
// [Stream] runs the request over a dedicated SSH connection and returns a
// channel of lines. In follow mode the channel stays open and delivers lines
// as the service writes them; without follow it delivers the last N lines
// and closes. Cancelling the context closes the SSH session, which in turn
// drains and closes the channel — the caller never leaks a goroutine by
// walking away.
//
// Streams hold their SSH session for as long as the viewer watches, so they
// run on dedicated connections rather than pooled ones.
package sshlogs
