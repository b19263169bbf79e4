package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
)

// RemoteWriter pushes gathered metrics to a Prometheus remote write endpoint
// such as VictoriaMetrics or a Prometheus server with the remote write
// receiver enabled. A scrape endpoint never sees a short CLI run; pushing the
// final state before exit does.
type RemoteWriter struct {
	config   RemoteWriteConfig
	gatherer prometheus.Gatherer
	client   *http.Client
}

// NewRemoteWriter creates a remote writer that pushes the given gatherer's
// state. A disabled configuration yields a no-op writer.
func NewRemoteWriter(cfg RemoteWriteConfig, gatherer prometheus.Gatherer) (*RemoteWriter, error) {
	if !cfg.Enabled {
		return &RemoteWriter{config: cfg}, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote write URL is required")
	}
	if gatherer == nil {
		return nil, fmt.Errorf("remote write requires an enabled metrics registry")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &RemoteWriter{
		config:   cfg,
		gatherer: gatherer,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Push gathers the current metric state and sends it in a single write
// request.
func (w *RemoteWriter) Push(ctx context.Context) error {
	if !w.config.Enabled {
		return nil
	}

	families, err := w.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	series := w.familiesToTimeSeries(families, time.Now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	return w.send(ctx, series)
}

// Run pushes on the configured interval until the context is cancelled, then
// pushes once more so the final state is not lost. Push errors do not stop
// the loop.
func (w *RemoteWriter) Run(ctx context.Context) {
	if !w.config.Enabled {
		return
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Push(ctx); err != nil {
				fmt.Printf("remote write error: %v\n", err)
			}
		case <-ctx.Done():
			// The loop context is gone; the final push gets its own deadline.
			finalCtx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
			if err := w.Push(finalCtx); err != nil {
				fmt.Printf("remote write final push error: %v\n", err)
			}
			cancel()
			return
		}
	}
}

// send marshals, compresses, and posts the series to the endpoint.
func (w *RemoteWriter) send(ctx context.Context, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{
		Timeseries: series,
	}

	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// familiesToTimeSeries converts gathered metric families to remote write
// series. Histograms and summaries expand into their component series the
// same way the exposition format renders them.
func (w *RemoteWriter) familiesToTimeSeries(families []*dto.MetricFamily, ts int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries

	for _, family := range families {
		name := family.GetName()

		for _, metric := range family.GetMetric() {
			base := w.baseLabels(metric)

			switch family.GetType() {
			case dto.MetricType_COUNTER:
				series = append(series, w.newSeries(name, base, nil, metric.GetCounter().GetValue(), ts))

			case dto.MetricType_GAUGE:
				series = append(series, w.newSeries(name, base, nil, metric.GetGauge().GetValue(), ts))

			case dto.MetricType_UNTYPED:
				series = append(series, w.newSeries(name, base, nil, metric.GetUntyped().GetValue(), ts))

			case dto.MetricType_SUMMARY:
				summary := metric.GetSummary()
				for _, q := range summary.GetQuantile() {
					extra := []prompb.Label{{
						Name:  "quantile",
						Value: formatFloat(q.GetQuantile()),
					}}
					series = append(series, w.newSeries(name, base, extra, q.GetValue(), ts))
				}
				series = append(series, w.newSeries(name+"_sum", base, nil, summary.GetSampleSum(), ts))
				series = append(series, w.newSeries(name+"_count", base, nil, float64(summary.GetSampleCount()), ts))

			case dto.MetricType_HISTOGRAM:
				histogram := metric.GetHistogram()
				sawInf := false
				for _, bucket := range histogram.GetBucket() {
					if math.IsInf(bucket.GetUpperBound(), +1) {
						sawInf = true
					}
					extra := []prompb.Label{{
						Name:  "le",
						Value: formatFloat(bucket.GetUpperBound()),
					}}
					series = append(series, w.newSeries(name+"_bucket", base, extra, float64(bucket.GetCumulativeCount()), ts))
				}
				if !sawInf {
					extra := []prompb.Label{{Name: "le", Value: "+Inf"}}
					series = append(series, w.newSeries(name+"_bucket", base, extra, float64(histogram.GetSampleCount()), ts))
				}
				series = append(series, w.newSeries(name+"_sum", base, nil, histogram.GetSampleSum(), ts))
				series = append(series, w.newSeries(name+"_count", base, nil, float64(histogram.GetSampleCount()), ts))
			}
		}
	}

	return series
}

// baseLabels builds the job, instance, and metric labels shared by every
// series a metric expands into.
func (w *RemoteWriter) baseLabels(metric *dto.Metric) []prompb.Label {
	labels := make([]prompb.Label, 0, len(metric.GetLabel())+2)

	if w.config.Job != "" {
		labels = append(labels, prompb.Label{Name: "job", Value: w.config.Job})
	}
	if w.config.Instance != "" {
		labels = append(labels, prompb.Label{Name: "instance", Value: w.config.Instance})
	}
	for _, pair := range metric.GetLabel() {
		labels = append(labels, prompb.Label{
			Name:  pair.GetName(),
			Value: pair.GetValue(),
		})
	}

	return labels
}

// newSeries assembles one time series with a single sample. The remote write
// protocol requires labels sorted by name.
func (w *RemoteWriter) newSeries(name string, base, extra []prompb.Label, value float64, ts int64) prompb.TimeSeries {
	labels := make([]prompb.Label, 0, len(base)+len(extra)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	labels = append(labels, base...)
	labels = append(labels, extra...)

	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Name < labels[j].Name
	})

	return prompb.TimeSeries{
		Labels: labels,
		Samples: []prompb.Sample{{
			Value:     value,
			Timestamp: ts,
		}},
	}
}

// formatFloat renders bucket bounds and quantiles the way the exposition
// format does.
func formatFloat(v float64) string {
	if math.IsInf(v, +1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
