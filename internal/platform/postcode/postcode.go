// Package postcode resolves an English postcode to its index-of-multiple-
// deprivation quintile via an external lookup service. Lookup failure is not
// fatal to referral creation: callers fall back to the most-deprived quintile
// so that triage never under-scores someone because a lookup was down.
package postcode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// MostDeprivedQuintile is the conservative default applied when the lookup
// service is unavailable or does not know the postcode.
const MostDeprivedQuintile = 1

var postcodePattern = regexp.MustCompile(`(?i)^[A-Z]{1,2}[0-9][A-Z0-9]?\s*[0-9][A-Z]{2}$`)

// Normalise uppercases a postcode and fixes spacing (the inward code is
// always the last three characters).
func Normalise(postcode string) (string, error) {
	trimmed := strings.ToUpper(strings.Join(strings.Fields(postcode), ""))
	if !postcodePattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid postcode: %q", postcode)
	}
	return trimmed[:len(trimmed)-3] + " " + trimmed[len(trimmed)-3:], nil
}

// Lookup resolves a postcode to a deprivation quintile (1 = most deprived,
// 5 = least deprived).
type Lookup interface {
	DeprivationQuintile(ctx context.Context, postcode string) (int, error)
}

// HTTPLookup queries a deprivation lookup HTTP service.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLookup(baseURL string) *HTTPLookup {
	return &HTTPLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type lookupResponse struct {
	Postcode string `json:"postcode"`
	Quintile int    `json:"imd_quintile"`
	Error    string `json:"error,omitempty"`
}

func (l *HTTPLookup) DeprivationQuintile(ctx context.Context, postcode string) (int, error) {
	normalised, err := Normalise(postcode)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.baseURL+"/deprivation?postcode="+url.QueryEscape(normalised), nil)
	if err != nil {
		return 0, fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deprivation lookup unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("deprivation lookup returned %d", resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode lookup response: %w", err)
	}
	if out.Quintile < 1 || out.Quintile > 5 {
		return 0, fmt.Errorf("lookup returned quintile %d out of range", out.Quintile)
	}
	return out.Quintile, nil
}

// StaticLookup is a test double returning a fixed quintile per postcode.
type StaticLookup struct {
	Quintiles map[string]int
	Err       error
}

func (s *StaticLookup) DeprivationQuintile(_ context.Context, postcode string) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	normalised, err := Normalise(postcode)
	if err != nil {
		return 0, err
	}
	q, ok := s.Quintiles[normalised]
	if !ok {
		return 0, fmt.Errorf("unknown postcode: %s", normalised)
	}
	return q, nil
}
