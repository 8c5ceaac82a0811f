package pagination

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
	"github.com/Sternrassler/nft-collection-archiver/pkg/client"
	"github.com/Sternrassler/nft-collection-archiver/pkg/provider"
)

// fakeSource serves a collection of total items with sequential ids. Requests
// listed in failAt (by call number, 1-based) fail with err.
type fakeSource struct {
	total   int64
	pageMax int
	failAt  map[int]error
	calls   []fakeCall
}

type fakeCall struct {
	start int64
	limit int
}

func (s *fakeSource) FetchPage(ctx context.Context, collectionID string, start *big.Int, limit int) (provider.Page, error) {
	s.calls = append(s.calls, fakeCall{start: start.Int64(), limit: limit})
	if err, ok := s.failAt[len(s.calls)]; ok {
		return provider.Page{}, err
	}

	n := limit
	if s.pageMax > 0 && n > s.pageMax {
		n = s.pageMax
	}

	var page provider.Page
	i := start.Int64()
	for ; i < s.total && len(page.Items) < n; i++ {
		page.Items = append(page.Items, asset.Ref{ItemID: big.NewInt(i), URI: fmt.Sprintf("https://img/%d", i)})
	}
	if i < s.total {
		page.NextToken = big.NewInt(i)
	}
	return page, nil
}

func TestNewFetcher_Defaults(t *testing.T) {
	f := NewFetcher(&fakeSource{}, Config{PageLimit: 1000})
	if f.config.PageLimit != provider.MaxPageLimit {
		t.Errorf("PageLimit = %d, want %d", f.config.PageLimit, provider.MaxPageLimit)
	}
	if f.config.Timeout <= 0 {
		t.Error("Timeout should default to a positive value")
	}
}

func TestFetchBatch(t *testing.T) {
	tests := []struct {
		name       string
		total      int64
		pageLimit  int
		pageMax    int
		start      int64
		maxItems   int
		wantIDs    []int64
		wantLimits []int
	}{
		{
			name:       "single page",
			total:      120,
			pageLimit:  100,
			start:      0,
			maxItems:   50,
			wantIDs:    []int64{0, 49},
			wantLimits: []int{50},
		},
		{
			name:       "resumes at offset",
			total:      120,
			pageLimit:  100,
			start:      100,
			maxItems:   50,
			wantIDs:    []int64{100, 119},
			wantLimits: []int{50},
		},
		{
			name:       "multiple pages",
			total:      120,
			pageLimit:  20,
			start:      0,
			maxItems:   50,
			wantIDs:    []int64{0, 49},
			wantLimits: []int{20, 20, 10},
		},
		{
			name:       "short pages from upstream",
			total:      120,
			pageLimit:  100,
			pageMax:    30,
			start:      0,
			maxItems:   50,
			wantIDs:    []int64{0, 49},
			wantLimits: []int{50, 20},
		},
		{
			name:       "exhausted collection",
			total:      120,
			pageLimit:  100,
			start:      120,
			maxItems:   50,
			wantLimits: []int{50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{total: tt.total, pageMax: tt.pageMax}
			f := NewFetcher(src, Config{PageLimit: tt.pageLimit})

			refs, err := f.FetchBatch(context.Background(), "0xabc", tt.start, tt.maxItems)
			if err != nil {
				t.Fatalf("FetchBatch() error = %v", err)
			}

			if len(tt.wantIDs) == 0 {
				if len(refs) != 0 {
					t.Errorf("got %d refs, want none", len(refs))
				}
			} else {
				wantLen := int(tt.wantIDs[1]-tt.wantIDs[0]) + 1
				if len(refs) != wantLen {
					t.Fatalf("got %d refs, want %d", len(refs), wantLen)
				}
				if refs[0].ItemID.Int64() != tt.wantIDs[0] || refs[len(refs)-1].ItemID.Int64() != tt.wantIDs[1] {
					t.Errorf("ids = %v..%v, want %v", refs[0].ItemID, refs[len(refs)-1].ItemID, tt.wantIDs)
				}
			}

			if len(src.calls) != len(tt.wantLimits) {
				t.Fatalf("calls = %+v, want limits %v", src.calls, tt.wantLimits)
			}
			for i, want := range tt.wantLimits {
				if src.calls[i].limit != want {
					t.Errorf("call %d limit = %d, want %d", i, src.calls[i].limit, want)
				}
			}
			if src.calls[0].start != tt.start {
				t.Errorf("first start = %d, want %d", src.calls[0].start, tt.start)
			}
		})
	}
}

func TestFetchBatch_PartialOnLaterFailure(t *testing.T) {
	src := &fakeSource{
		total:  120,
		failAt: map[int]error{2: &client.UpstreamError{StatusCode: 500, Class: client.ErrorClassUpstream}},
	}
	f := NewFetcher(src, Config{PageLimit: 20})

	refs, err := f.FetchBatch(context.Background(), "0xabc", 0, 50)
	if err != nil {
		t.Fatalf("FetchBatch() error = %v, want partial result", err)
	}
	if len(refs) != 20 {
		t.Errorf("got %d refs, want 20", len(refs))
	}
	if len(src.calls) != 2 {
		t.Errorf("calls = %d, want 2 (no further pages after failure)", len(src.calls))
	}
}

func TestFetchBatch_FirstPageFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "upstream error", err: &client.UpstreamError{StatusCode: 503, Class: client.ErrorClassUpstream}},
		{name: "throttling exhausted", err: &client.UpstreamError{StatusCode: 429, Class: client.ErrorClassRateLimit, Err: client.ErrRateLimitExhausted}},
		{name: "parse error", err: &provider.ParseError{Endpoint: "getNFTsForCollection", Index: 0, Reason: "missing id.tokenId"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{total: 120, failAt: map[int]error{1: tt.err}}
			f := NewFetcher(src, DefaultConfig())

			refs, err := f.FetchBatch(context.Background(), "0xabc", 0, 50)
			if !errors.Is(err, client.ErrUpstreamUnavailable) {
				t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error should wrap the cause %v", tt.err)
			}
			if refs != nil {
				t.Errorf("refs = %v, want nil", refs)
			}
		})
	}
}

func TestFetchBatch_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{total: 120, failAt: map[int]error{2: context.Canceled}}
	f := NewFetcher(src, Config{PageLimit: 20})

	cancelling := &cancelSource{fakeSource: src, cancel: cancel}
	f.source = cancelling

	_, err := f.FetchBatch(ctx, "0xabc", 0, 50)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// cancelSource cancels the caller's context before the second page.
type cancelSource struct {
	*fakeSource
	cancel context.CancelFunc
}

func (s *cancelSource) FetchPage(ctx context.Context, id string, start *big.Int, limit int) (provider.Page, error) {
	if len(s.calls) == 1 {
		s.cancel()
	}
	return s.fakeSource.FetchPage(ctx, id, start, limit)
}

func TestFetchBatch_ZeroMax(t *testing.T) {
	src := &fakeSource{total: 10}
	refs, err := NewFetcher(src, DefaultConfig()).FetchBatch(context.Background(), "0xabc", 0, 0)
	if err != nil || refs != nil || len(src.calls) != 0 {
		t.Errorf("FetchBatch(max=0) = %v, %v with %d calls", refs, err, len(src.calls))
	}
}
