// Package starcore implements the request-admission and session-state
// core of a chat-platform LLM bot: a multi-level rate limiter gating
// every inbound command, a durable conversation/usage store, a
// streaming client for the upstream OpenAI-compatible model API, and
// the coordinator that ties admission, dispatch and accounting
// together.
//
// The chat-platform gateway (slash-command registration, embeds,
// authentication) is intentionally external: it hands authenticated
// invocations to a RequestCoordinator and renders what comes back.
package starcore
