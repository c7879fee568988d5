// Package datadog submits rowshape metrics to Datadog through the official
// API client.
//
// Events are aggregated in memory per metric name and label set. Counters
// are summed and histogram observations are kept as raw samples until the
// next flush, which turns them into quantile gauges. Flushes happen on a
// ticker (default once per minute) and once more on Close. Submission runs
// outside the lock so recording never waits on the network.
//
// Nothing is flushed if the process dies before Close.
package datadog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"rowshape/internal/metrics"
)

var defaultQuantiles = []float64{0.5, 0.9, 0.99}

type Options struct {
	// JobName becomes the "job:<name>" tag. Defaults to "rowshape".
	JobName string

	// Tags are extra tags on every series, e.g. "team:data".
	Tags []string

	// FlushEvery defaults to 60s.
	FlushEvery time.Duration

	// Quantiles reported for each histogram, in (0,1]. Defaults to p50, p90
	// and p99.
	Quantiles []float64

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesID identifies one aggregated series: a Datadog metric name plus
// its label tags in sorted order.
type seriesID struct {
	metric string
	tags   string // sorted "k:v" joined with ","
}

type Backend struct {
	api metricsSubmitter
	ctx context.Context
	now func() time.Time

	baseTags  []string
	quantiles []float64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	counts  map[seriesID]float64
	samples map[seriesID][]float64
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend builds a backend and starts its flush loop. API key and site
// come from the DD_* variables the client reads.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(errors.New("nil context"))
	}

	job := opts.JobName
	if job == "" {
		job = "rowshape"
	}
	every := opts.FlushEvery
	if every <= 0 {
		every = time.Minute
	}
	qs := opts.Quantiles
	if len(qs) == 0 {
		qs = defaultQuantiles
	}
	for _, q := range qs {
		if q <= 0 || q > 1 {
			return nil, wrapInitErr(fmt.Errorf("quantile %v out of (0,1]", q))
		}
	}

	b := &Backend{
		api:       opts.submitter,
		ctx:       dd.NewDefaultContext(parent),
		now:       opts.now,
		baseTags:  append([]string{resolveEnvTag(), "job:" + job}, opts.Tags...),
		quantiles: append([]float64(nil), qs...),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counts:    make(map[seriesID]float64),
		samples:   make(map[seriesID][]float64),
	}
	if b.api == nil {
		b.api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	if b.now == nil {
		b.now = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	go b.loop(newTicker(every))
	return b, nil
}

func (b *Backend) loop(t *time.Ticker) {
	defer close(b.done)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Close stops the flush loop and flushes what is left. Later calls return
// the first result.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
		b.closeErr = b.Flush()
	})
	return b.closeErr
}

// IncCounter adds delta to the series for name and labels. Non-positive
// deltas are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	id := newSeriesID(name, labels)

	b.mu.Lock()
	b.counts[id] += delta
	b.mu.Unlock()
}

// ObserveHistogram records one sample. Negative and NaN values are dropped.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || math.IsNaN(value) {
		return
	}
	id := newSeriesID(name, labels)

	b.mu.Lock()
	b.samples[id] = append(b.samples[id], value)
	b.mu.Unlock()
}

// Flush submits everything buffered since the last flush. Buffers are reset
// even when the submission fails.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counts, samples := b.counts, b.samples
	b.counts = make(map[seriesID]float64)
	b.samples = make(map[seriesID][]float64)
	b.mu.Unlock()

	if len(counts) == 0 && len(samples) == 0 {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(counts, samples, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog submit %d series: %w", len(payload.Series), err)
	}
	return nil
}

// buildSeries renders one flush worth of aggregates, sorted by metric then
// tags so payloads are stable.
func (b *Backend) buildSeries(counts map[seriesID]float64, samples map[seriesID][]float64, ts int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(counts)+len(samples)*(len(b.quantiles)+2))

	for _, id := range sortedIDs(counts) {
		out = append(out, b.point(id.metric, datadogV2.METRICINTAKETYPE_COUNT, counts[id], id, ts))
	}

	for _, id := range sortedIDs(samples) {
		s := append([]float64(nil), samples[id]...)
		if len(s) == 0 {
			continue
		}
		sort.Float64s(s)
		for _, q := range b.quantiles {
			out = append(out, b.point(id.metric+"."+quantileSuffix(q), datadogV2.METRICINTAKETYPE_GAUGE, nearestRank(s, q), id, ts))
		}
		out = append(out,
			b.point(id.metric+".max", datadogV2.METRICINTAKETYPE_GAUGE, s[len(s)-1], id, ts),
			b.point(id.metric+".count", datadogV2.METRICINTAKETYPE_COUNT, float64(len(s)), id, ts),
		)
	}
	return out
}

func (b *Backend) point(metric string, typ datadogV2.MetricIntakeType, v float64, id seriesID, ts int64) datadogV2.MetricSeries {
	tags := append([]string(nil), b.baseTags...)
	if id.tags != "" {
		tags = append(tags, strings.Split(id.tags, ",")...)
	}
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

func newSeriesID(name string, labels metrics.Labels) seriesID {
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		if v == "" {
			continue
		}
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return seriesID{metric: metricName(name), tags: strings.Join(tags, ",")}
}

// metricName maps facade names to Datadog's dotted style:
// "rowshape_step_duration_seconds" becomes "rowshape.step.duration_seconds".
func metricName(name string) string {
	rest, ok := strings.CutPrefix(name, "rowshape_")
	if !ok {
		return name
	}
	return "rowshape." + strings.Replace(rest, "_", ".", 1)
}

func sortedIDs[V any](m map[seriesID]V) []seriesID {
	ids := make([]seriesID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].metric != ids[j].metric {
			return ids[i].metric < ids[j].metric
		}
		return ids[i].tags < ids[j].tags
	})
	return ids
}

// nearestRank returns the q-quantile of sorted s using the nearest-rank
// method: the smallest value with at least q of the samples at or below it.
func nearestRank(s []float64, q float64) float64 {
	if len(s) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(s))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(s) {
		rank = len(s)
	}
	return s[rank-1]
}

// quantileSuffix names a quantile the Datadog way: 0.5 -> "p50", 0.999 -> "p99.9".
func quantileSuffix(q float64) string {
	return "p" + strconv.FormatFloat(math.Round(q*1000)/10, 'f', -1, 64)
}

func resolveEnvTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

// ParseTagsCSV splits "env:prod, team:data" into tags, dropping blanks.
func ParseTagsCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	return fmt.Errorf("datadog metrics init: %w", err)
}
