// Package vitals derives the compact live-update view pushed to dashboards
// from a raw performance snapshot.
package vitals

import (
	"encoding/json"

	"github.com/runnerr0/beacon/internal/models"
)

// Update is the flat summary broadcast after every stored debug record.
// Web vitals pass through verbatim; derived timings are null whenever an
// operand they need is missing or the delta would be negative.
type Update struct {
	LCP json.RawMessage `json:"lcp"`
	FCP json.RawMessage `json:"fcp"`
	FID json.RawMessage `json:"fid"`
	CLS json.RawMessage `json:"cls"`

	TTFB         *float64 `json:"ttfb"`
	DNSTime      *float64 `json:"dnsTime"`
	ConnectTime  *float64 `json:"connectTime"`
	ResponseTime *float64 `json:"responseTime"`
	DOMReady     *float64 `json:"domReady"`
	LoadComplete *float64 `json:"loadComplete"`

	ErrorCount int `json:"errorCount"`
}

type performance struct {
	WebVitals map[string]json.RawMessage `json:"webVitals"`
	Timing    map[string]json.RawMessage `json:"timing"`
}

// Project builds the Update for record. It never fails: a performance
// document that cannot be read simply yields an update of nulls.
func Project(record *models.DebugRecord) Update {
	update := Update{ErrorCount: record.ErrorCount}

	var perf performance
	if err := json.Unmarshal(record.PerformanceData, &perf); err != nil {
		return update
	}

	update.LCP = vital(perf.WebVitals, "LCP")
	update.FCP = vital(perf.WebVitals, "FCP")
	update.FID = vital(perf.WebVitals, "FID")
	update.CLS = vital(perf.WebVitals, "CLS")

	timing := timings(perf.Timing)
	navigationStart := timing["navigationStart"]

	// Anchored on navigationStart: only the end mark is required, a missing
	// start counts as zero.
	update.TTFB = sinceNavigation(timing, "responseStart", navigationStart)
	update.DOMReady = sinceNavigation(timing, "domContentLoadedEventEnd", navigationStart)
	update.LoadComplete = sinceNavigation(timing, "loadEventEnd", navigationStart)

	// Phase durations need both marks.
	update.DNSTime = between(timing, "domainLookupStart", "domainLookupEnd")
	update.ConnectTime = between(timing, "connectStart", "connectEnd")
	update.ResponseTime = between(timing, "responseStart", "responseEnd")

	return update
}

func vital(vitals map[string]json.RawMessage, name string) json.RawMessage {
	raw, ok := vitals[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	return raw
}

// timings keeps only the numeric marks.
func timings(raw map[string]json.RawMessage) map[string]*float64 {
	marks := make(map[string]*float64, len(raw))
	for name, value := range raw {
		if string(value) == "null" {
			continue
		}
		var mark float64
		if err := json.Unmarshal(value, &mark); err != nil {
			continue
		}
		marks[name] = &mark
	}
	return marks
}

func sinceNavigation(timing map[string]*float64, end string, navigationStart *float64) *float64 {
	mark := timing[end]
	if mark == nil {
		return nil
	}
	start := 0.0
	if navigationStart != nil {
		start = *navigationStart
	}
	return delta(start, *mark)
}

func between(timing map[string]*float64, start, end string) *float64 {
	from, to := timing[start], timing[end]
	if from == nil || to == nil {
		return nil
	}
	return delta(*from, *to)
}

func delta(from, to float64) *float64 {
	if to < from {
		return nil
	}
	d := to - from
	return &d
}
