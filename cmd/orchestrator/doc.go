// Package main hosts the orchestrator service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes the operator surface (session
//     control, registry reads, health reports) and the HMAC-authenticated
//     worker callback surface (update-total, save-urls, heartbeat).
//   - Dispatch: internal/dispatcher creates session rows, enforces the
//     one-active-session-per-key invariant against the Postgres partial
//     unique index, persists the dispatched flag, and hands work descriptors
//     to the external scrape worker over Pub/Sub (or an in-memory runner in
//     development).
//   - Persistence: internal/storage/postgres holds sessions, the
//     deduplicated URL discovery registry, and append-only session logs on
//     pgx. internal/storage/memory mirrors the same invariants for tests.
//   - Background loops: the heartbeat monitor reclassifies silent running
//     sessions as zombies on a fixed cadence; the retention janitor archives
//     aged session logs to blob storage (GCS or local disk) and prunes them.
//   - Configuration & plumbing: Viper populates config from env (ORCH_*
//     prefix) and optional files; zap provides structured logging;
//     Prometheus metrics are exported on /metrics.
//
// Operational notes:
//   - The external worker is a separate process: the orchestrator never
//     executes scrapes itself, it only tracks their lifecycle. A crashed
//     worker surfaces as a zombie session after the heartbeat timeout.
//   - Shutdown is coordinated via context cancellation from SIGTERM; the
//     HTTP server drains with a 10s budget and background loops stop with
//     the context.
//
// Quick checklist:
//   - Configure env vars: ORCH_SERVER_PORT, ORCH_DB_DSN,
//     ORCH_WORKER_SHARED_SECRET (required), ORCH_WORKER_ALLOWED_IPS,
//     ORCH_PUBSUB_PROJECT_ID / ORCH_PUBSUB_TOPIC_NAME, and
//     ORCH_STORAGE_GCS_BUCKET or ORCH_STORAGE_LOCAL_DIR for log archives.
//   - Run locally: go run ./cmd/orchestrator -config config.yaml.
package main
