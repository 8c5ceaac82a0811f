// Package metrics exposes the Prometheus registry of the archiver.
// Metrics are defined with promauto in the package that owns them
// (client, cache, ratelimit, pagination, staging, storage, jobstore,
// ingest, dispatch); this package serves and documents them.
package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prefix is shared by every archiver metric.
const Prefix = "archiver_"

// Registry is the registerer every archiver metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Names returns the sorted names of archiver metric families that currently
// have at least one series.
func Names() ([]string, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), Prefix) {
			names = append(names, mf.GetName())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Metrics Documentation
//
// Upstream client (pkg/client):
//   - archiver_http_requests_total{client, status} (Counter)
//   - archiver_http_request_duration_seconds{client} (Histogram)
//   - archiver_rate_limit_throttles_total{client} (Counter): 429 responses
//   - archiver_rate_limit_backoff_seconds{client} (Histogram): cooldown slept
//   - archiver_rate_limit_exhausted_total{client} (Counter)
//
// Shared cooldown (pkg/ratelimit):
//   - archiver_rate_limit_cooldowns_recorded_total{host} (Counter)
//   - archiver_rate_limit_shared_waits_total{host} (Counter)
//
// Metadata cache (pkg/cache):
//   - archiver_cache_hits_total{namespace} (Counter)
//   - archiver_cache_misses_total{namespace} (Counter)
//   - archiver_cache_errors_total{operation} (Counter)
//
// Ingestion (pkg/pagination, pkg/staging, pkg/storage, pkg/ingest):
//   - archiver_pages_fetched_total (Counter)
//   - archiver_partial_batches_total (Counter)
//   - archiver_assets_staged_total (Counter)
//   - archiver_asset_bytes_total (Counter)
//   - archiver_asset_download_failures_total (Counter)
//   - archiver_objects_uploaded_total (Counter)
//   - archiver_upload_failures_total (Counter)
//   - archiver_batches_total (Counter)
//   - archiver_items_processed_total (Counter)
//   - archiver_runs_total{outcome} (Counter)
//   - archiver_active_jobs (Gauge)
//
// Jobs (pkg/jobstore, pkg/dispatch):
//   - archiver_job_checkpoints_total{status} (Counter)
//   - archiver_jobstore_errors_total{backend, operation} (Counter)
//   - archiver_dispatch_requests_total{status} (Counter)
//
// Example Prometheus Queries:
//
//   # Throttle rate against the provider
//   sum(rate(archiver_rate_limit_throttles_total[5m]))
//
//   # Items archived per minute
//   rate(archiver_items_processed_total[1m]) * 60
//
//   # Upload failure ratio
//   rate(archiver_upload_failures_total[5m]) /
//   (rate(archiver_objects_uploaded_total[5m]) + rate(archiver_upload_failures_total[5m]))
