// Package notifier delivers operator reports.
//
// Reports are short, high-signal messages for whoever runs the bot: a
// schedule that had to be disabled, a failed legacy import, a corrupt store,
// a user asking for access. Each report is queued and sent asynchronously to
// the configured report chat (or each owner privately) so the component that
// raises it never waits on the network.
//
// # Delivery
//
// A small worker pool drains the queue through a shared token bucket with
// bounded retries. Identical reports inside the dedup window are sent once.
//
// # History
//
// The service keeps a short in-memory history of sent reports for /healthz.
package notifier
