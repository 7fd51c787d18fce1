// Package main hosts the crawl orchestrator entrypoint.
//
// Architecture overview:
//   - Engine: internal/orchestrator owns the frontier, the budget tracker, the
//     robots cache and the per-host rate limiter for one crawl. Workers pull
//     dispatches with Next and report outcomes with ReportResult.
//   - Workers: internal/dispatcher runs a fixed pool of internal/worker fetch
//     loops against the Colly fetcher; internal/service.Manager hosts many
//     crawls at once and bounds how many may run.
//   - Progress: lifecycle events flow through the progress Hub to the log,
//     Prometheus and (optionally) Postgres sinks.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported on /metrics.
//
// Quick start:
//   - One-shot: crawlctl crawl --seed https://news.example/ --query "election results"
//   - Service: crawlctl serve --config config.yaml
package main

import "github.com/JakeFAU/crawl-orchestrator/cmd"

func main() {
	cmd.Execute()
}
