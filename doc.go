// Package backbone provides the reliability backbone of an admissions
// platform: event envelopes, a versioned schema registry, a tiered
// retry/DLQ broker topology, an idempotent inbox and the admission saga
// that consumes it.
//
// Backbone is a library first. cmd/backbone wraps it into a standalone
// process that consumes RabbitMQ queues and serves the admin API.
//
// Key features:
//   - Envelopes with correlation/causation chains and PII masking in logs
//   - Schema versions with compatibility checks and JSON Schema validation
//   - Four-tier TTL retry ladder with a dead-letter queue per channel
//   - At-most-once handler execution keyed by event id and business key
//   - Deterministic saga transitions with compensation on step failure
//   - Composable store pattern (Postgres, SQLite, MongoDB, Redis, Memory)
//
// Quick start:
//
//	b, err := backbone.New(
//	    backbone.WithStore(memory.New()),
//	    backbone.WithApplications(admissionsClient),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	b.Handle("application.reviewed", inbox.HandlerFunc(onReviewed))
//	b.Start(ctx)
//	defer b.Stop(ctx)
//
//	res, err := b.Process(ctx, env)
package backbone
