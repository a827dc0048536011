package otlp

import (
	"time"

	"github.com/zoobzio/apmz"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	instrumentationName = "github.com/zoobzio/apmz"

	// ScopeAttribute names the data point attribute carrying a metric's scope.
	ScopeAttribute = "apmz.scope"

	// ExclusiveSuffix is appended to a metric name for its exclusive-time sum.
	ExclusiveSuffix = ".exclusive"
)

// BuildRequest converts a harvest payload into an export request.
//
// Each metric name becomes one Summary metric (count, sum, min as quantile 0,
// max as quantile 1) and one delta Sum metric of exclusive seconds. Entries
// sharing a name become separate data points distinguished by ScopeAttribute.
// Metric order follows the first appearance of each name in the payload.
func BuildRequest(p *apmz.Payload, resource *resourcepb.Resource) *colmetricspb.ExportMetricsServiceRequest {
	start := unixNano(p.Begin)
	end := unixNano(p.End)

	summaries := make(map[string]*metricspb.Summary)
	exclusives := make(map[string]*metricspb.Sum)
	var order []string

	for _, e := range p.Metrics {
		summary, ok := summaries[e.Spec.Name]
		if !ok {
			summary = &metricspb.Summary{}
			summaries[e.Spec.Name] = summary
			exclusives[e.Spec.Name] = &metricspb.Sum{
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
				IsMonotonic:            true,
			}
			order = append(order, e.Spec.Name)
		}

		attrs := scopeAttributes(e.Spec.Scope)
		v := e.Stats.Values()
		summary.DataPoints = append(summary.DataPoints, &metricspb.SummaryDataPoint{
			Attributes:        attrs,
			StartTimeUnixNano: start,
			TimeUnixNano:      end,
			Count:             uint64(e.Stats.CallCount),
			Sum:               v[1],
			QuantileValues: []*metricspb.SummaryDataPoint_ValueAtQuantile{
				{Quantile: 0, Value: v[3]},
				{Quantile: 1, Value: v[4]},
			},
		})
		exclusives[e.Spec.Name].DataPoints = append(exclusives[e.Spec.Name].DataPoints, &metricspb.NumberDataPoint{
			Attributes:        attrs,
			StartTimeUnixNano: start,
			TimeUnixNano:      end,
			Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: v[2]},
		})
	}

	metrics := make([]*metricspb.Metric, 0, 2*len(order))
	for _, name := range order {
		metrics = append(metrics,
			&metricspb.Metric{
				Name: name,
				Unit: "s",
				Data: &metricspb.Metric_Summary{Summary: summaries[name]},
			},
			&metricspb.Metric{
				Name: name + ExclusiveSuffix,
				Unit: "s",
				Data: &metricspb.Metric_Sum{Sum: exclusives[name]},
			},
		)
	}

	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: resource,
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: instrumentationName},
				Metrics: metrics,
			}},
		}},
	}
}

// Resource builds a resource identifying the reporting service.
func Resource(serviceName string) *resourcepb.Resource {
	if serviceName == "" {
		return &resourcepb.Resource{}
	}
	return &resourcepb.Resource{
		Attributes: []*commonpb.KeyValue{stringAttr("service.name", serviceName)},
	}
}

func scopeAttributes(scope string) []*commonpb.KeyValue {
	if scope == "" {
		return nil
	}
	return []*commonpb.KeyValue{stringAttr(ScopeAttribute, scope)}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}
