// Package testutil provides a mock NFT API and asset host for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
)

// Route names used for fault injection and request counting.
const (
	RouteCollection = "getNFTsForCollection"
	RouteMetadata   = "getContractMetadata"
	RouteAssets     = "assets"
)

// MockResponse defines a canned failure returned instead of the normal body.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockUpstream serves a synthetic collection of Items tokens (ids 0..Items-1)
// through the NFT API routes and serves each token's image under /assets/.
type MockUpstream struct {
	server *httptest.Server

	mu          sync.Mutex
	items       int
	name        string
	contentType string
	faults      map[string][]MockResponse
	scheduled   map[string]map[int]MockResponse
	assetFaults map[string]MockResponse
	counts      map[string]int
	startTokens []string
}

// NewMockUpstream starts a mock upstream with a collection of n items.
func NewMockUpstream(n int, name string) *MockUpstream {
	m := &MockUpstream{
		items:       n,
		name:        name,
		contentType: "image/png",
		faults:      make(map[string][]MockResponse),
		scheduled:   make(map[string]map[int]MockResponse),
		assetFaults: make(map[string]MockResponse),
		counts:      make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL, usable as the provider base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// SetContentType sets the Content-Type of served assets. Empty sends none.
func (m *MockUpstream) SetContentType(ct string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contentType = ct
}

// QueueFault makes the next request on route answer with resp. Faults queue up
// and are consumed in order.
func (m *MockUpstream) QueueFault(route string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[route] = append(m.faults[route], resp)
}

// QueueFaultAfter makes the request on route that follows the first n
// requests answer with resp, once.
func (m *MockUpstream) QueueFaultAfter(route string, n int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduled[route] == nil {
		m.scheduled[route] = make(map[int]MockResponse)
	}
	m.scheduled[route][n+1] = resp
}

// FailAsset makes every download of the given token id answer with resp.
func (m *MockUpstream) FailAsset(id int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assetFaults[strconv.Itoa(id)] = resp
}

// ClearAssetFaults removes all per-asset failures.
func (m *MockUpstream) ClearAssetFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assetFaults = make(map[string]MockResponse)
}

// RequestCount returns how many requests hit route.
func (m *MockUpstream) RequestCount(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[route]
}

// StartTokens returns the startToken of every collection request in order.
func (m *MockUpstream) StartTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.startTokens...)
}

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	route, rest := routeOf(r.URL.Path)

	m.mu.Lock()
	m.counts[route]++
	if route == RouteCollection {
		m.startTokens = append(m.startTokens, r.URL.Query().Get("startToken"))
	}
	var fault *MockResponse
	if f, ok := m.scheduled[route][m.counts[route]]; ok {
		fault = &f
		delete(m.scheduled[route], m.counts[route])
	} else if q := m.faults[route]; len(q) > 0 {
		fault = &q[0]
		m.faults[route] = q[1:]
	} else if route == RouteAssets {
		if f, ok := m.assetFaults[strings.TrimSuffix(rest, path.Ext(rest))]; ok {
			fault = &f
		}
	}
	m.mu.Unlock()

	if fault != nil {
		writeMock(w, *fault)
		return
	}

	switch route {
	case RouteCollection:
		m.serveCollection(w, r)
	case RouteMetadata:
		m.serveMetadata(w)
	case RouteAssets:
		m.serveAsset(w, rest)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockUpstream) serveCollection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := strconv.Atoi(q.Get("startToken"))
	if err != nil {
		start = 0
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	type media struct {
		Gateway string `json:"gateway"`
	}
	type nft struct {
		ID struct {
			TokenID string `json:"tokenId"`
		} `json:"id"`
		Media []media `json:"media"`
	}

	nfts := []nft{}
	end := start + limit
	if end > m.items {
		end = m.items
	}
	for i := start; i < end; i++ {
		var n nft
		n.ID.TokenID = fmt.Sprintf("0x%064x", i)
		n.Media = []media{{Gateway: fmt.Sprintf("%s/%s/%d", m.server.URL, RouteAssets, i)}}
		nfts = append(nfts, n)
	}

	body := map[string]any{"nfts": nfts}
	if end < m.items {
		body["nextToken"] = "0x" + new(big.Int).SetInt64(int64(end)).Text(16)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (m *MockUpstream) serveMetadata(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"contractMetadata": map[string]string{
			"name":        m.name,
			"totalSupply": strconv.Itoa(m.items),
			"tokenType":   "ERC721",
		},
	})
}

func (m *MockUpstream) serveAsset(w http.ResponseWriter, id string) {
	m.mu.Lock()
	ct := m.contentType
	m.mu.Unlock()

	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "image-%s", id)
}

// routeOf maps a request path to its route and the remainder after /assets/.
func routeOf(p string) (string, string) {
	if i := strings.Index(p, "/"+RouteAssets+"/"); i >= 0 {
		return RouteAssets, p[i+len(RouteAssets)+2:]
	}
	return path.Base(p), ""
}

func writeMock(w http.ResponseWriter, resp MockResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNotFound, Body: "not found"}
}
