// Package crawler defines the shared domain types of the escalation engine:
// targets and proxy settings, attempt records, crawl statistics and results,
// plus the Fetcher, FallbackFetcher, BlockDetector, Clock and IDGenerator
// contracts implemented by the other packages.
package crawler
