// Package notifier is the delivery pipeline between engage firings and a chat
// transport.
//
// Notify validates and dedups a notification, then queues it. A pool of
// supervised workers drains the queue through a shared token-bucket limiter
// and retries failed sends with jittered exponential backoff, honouring any
// retry-after hint the transport returns. Dedup windows can be persisted to
// the store so a restart does not resend.
package notifier
