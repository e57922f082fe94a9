package sshhoneypot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

const GEO_OUTCOME_CACHED string = "cached"
const GEO_OUTCOME_FETCHED string = "fetched"
const GEO_OUTCOME_FAILED string = "failed"
const GEO_OUTCOME_RATE_LIMITED string = "rate-limited"

var ErrRateLimited = errors.New("geolocation rate limit reached")

type geoStore interface {
	LatestGeoRecord(ctx context.Context, ip string) (*GeoRecord, error)
	UpsertGeoRecord(ctx context.Context, record *GeoRecord) error
}

// ipAPIResponse is the subset of the ip-api.com JSON body we keep.
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// GeoCache enriches addresses with location data. Lookups are best effort:
// every failure is logged and reported as a nil record.
type GeoCache struct {
	store    geoStore
	client   *http.Client
	endpoint string
	maxAge   time.Duration
	log      LoggerInterface
	metrics  *Metrics
	group    singleflight.Group
	now      func() time.Time
}

func NewGeoCache(store geoStore, endpoint string, maxAge time.Duration, timeout time.Duration, log LoggerInterface) *GeoCache {
	return &GeoCache{
		store:    store,
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		maxAge:   maxAge,
		log:      log,
		now:      time.Now,
	}
}

func (cache *GeoCache) SetMetrics(metrics *Metrics) {
	cache.metrics = metrics
}

// Resolve returns the cached record when it is younger than maxAge and
// otherwise refreshes it. Concurrent calls for one address share a single
// lookup.
func (cache *GeoCache) Resolve(ctx context.Context, ip string) *GeoRecord {
	result, _, _ := cache.group.Do(ip, func() (interface{}, error) {
		return cache.resolve(ctx, ip), nil
	})
	record, _ := result.(*GeoRecord)
	return record
}

func (cache *GeoCache) resolve(ctx context.Context, ip string) *GeoRecord {
	existing, err := cache.store.LatestGeoRecord(ctx, ip)
	if err != nil {
		cache.log.Printf("error reading geolocation for %v: %v", ip, err)
		cache.metrics.geoLookup(GEO_OUTCOME_FAILED)
		return nil
	}
	if existing.isFresh(cache.now(), cache.maxAge) {
		cache.log.Printf("Geolocation for %v is recent; not updating.", ip)
		cache.metrics.geoLookup(GEO_OUTCOME_CACHED)
		return existing
	}

	cache.log.Printf("Fetching geolocation for %v.", ip)
	record, err := cache.fetch(ctx, ip)
	if errors.Is(err, ErrRateLimited) {
		cache.log.Printf("%v", err)
		cache.metrics.geoLookup(GEO_OUTCOME_RATE_LIMITED)
		return nil
	}
	if err != nil {
		cache.log.Printf("Failed to fetch geolocation for %v: %v", ip, err)
		cache.metrics.geoLookup(GEO_OUTCOME_FAILED)
		return nil
	}
	if err := cache.store.UpsertGeoRecord(ctx, record); err != nil {
		cache.log.Printf("error storing geolocation for %v: %v", ip, err)
	}
	cache.metrics.geoLookup(GEO_OUTCOME_FETCHED)
	return record
}

func (cache *GeoCache) fetch(ctx context.Context, ip string) (*GeoRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cache.endpoint+url.PathEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := cache.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	// X-Rl is the number of requests left in the window, X-Ttl the
	// seconds until it resets.
	remaining := resp.Header.Get("X-Rl")
	if resp.StatusCode == http.StatusTooManyRequests || remaining == "0" {
		ttl, _ := strconv.Atoi(resp.Header.Get("X-Ttl"))
		return nil, fmt.Errorf("%w: please wait %d seconds until the limit resets", ErrRateLimited, ttl)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("lookup status %q: %s", body.Status, body.Message)
	}
	return &GeoRecord{
		IP:          ip,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.RegionName,
		City:        body.City,
		Lat:         body.Lat,
		Lon:         body.Lon,
		FetchedAt:   cache.now(),
	}, nil
}
