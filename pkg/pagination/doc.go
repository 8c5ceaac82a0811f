// Package pagination assembles one ingestion batch of item references from the
// upstream provider's cursor-paginated listing.
//
// Pages are fetched strictly in order, starting at the job's cursor, until the
// requested number of items has been collected or the collection is exhausted:
//
//	fetcher := pagination.NewFetcher(provider, pagination.DefaultConfig())
//	refs, err := fetcher.FetchBatch(ctx, "0xbc4c...", 100, 50)
//
// Throttling is handled inside the provider's HTTP client, which re-issues the
// same page after the cooldown. Any other failure ends the batch early: if some
// items were already collected they are returned without error, so the job
// processes what it has and resumes from the next cursor on its following
// iteration. A failure on the very first page is returned as
// client.ErrUpstreamUnavailable so it is never mistaken for the end of the
// collection.
package pagination
