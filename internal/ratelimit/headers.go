package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Metadata is the rate limit state reported by one response.
type Metadata struct {
	HasLimit   bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Bucket     string
	Global     bool
	Scope      string
	RetryAfter time.Duration
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

// ParseHeaders reads the X-RateLimit-* and Retry-After headers. Reset-After
// is preferred over the absolute Reset so clock skew does not matter.
func ParseHeaders(h http.Header, now time.Time) Metadata {
	var m Metadata

	if v, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		m.HasLimit = true
		m.Limit = v
	}
	if v, err := strconv.Atoi(h.Get("X-RateLimit-Remaining")); err == nil {
		m.Remaining = max(v, 0)
	}
	if v, err := strconv.ParseFloat(h.Get("X-RateLimit-Reset-After"), 64); err == nil {
		m.ResetAt = now.Add(seconds(v))
	} else if v, err := strconv.ParseFloat(h.Get("X-RateLimit-Reset"), 64); err == nil {
		sec, frac := math.Modf(v)
		m.ResetAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	m.Bucket = h.Get("X-RateLimit-Bucket")
	m.Global = h.Get("X-RateLimit-Global") == "true"
	m.Scope = h.Get("X-RateLimit-Scope")
	if v, err := strconv.ParseFloat(h.Get("Retry-After"), 64); err == nil {
		m.RetryAfter = seconds(v)
	}
	return m
}

type tooManyRequests struct {
	RetryAfter *float64 `json:"retry_after"`
	Global     bool     `json:"global"`
}

// parseTooManyRequests merges the JSON body of a 429 into m. The body's
// fractional retry_after is more precise than the header.
func parseTooManyRequests(body []byte, m Metadata) (time.Duration, bool) {
	retryAfter, global := m.RetryAfter, m.Global
	var b tooManyRequests
	if err := json.Unmarshal(body, &b); err == nil {
		if b.RetryAfter != nil {
			retryAfter = seconds(*b.RetryAfter)
		}
		global = global || b.Global
	}
	if m.Scope == "global" {
		global = true
	}
	return retryAfter, global
}
