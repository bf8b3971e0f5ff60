// SPDX-License-Identifier: MPL-2.0

// Package xrun is a universal command execution engine. It runs shell
// commands uniformly across four execution environments — the local
// host, remote hosts reached over SSH, Docker containers, and Kubernetes
// pods — behind a single invocation interface.
//
// Callers build commands through the safe interpolation helpers in
// [Command] and [Quote], dispatch them through an [Engine], and receive a
// uniform [Result] (stdout, stderr, exit status, signal, duration)
// regardless of which [Adapter] ran the command.
//
// On top of that substrate the package provides file transfer between
// any two environments (see the transfer subpackage), SSH tunnels,
// piping between processes, parallel/pipeline composition, retry with
// backoff, result caching, and an event bus with filtered/wildcard
// subscription.
package xrun
