package metrics

import (
	"strings"

	dto "github.com/prometheus/client_model/go"
)

// Family is one metric family rendered for the JSON metrics view.
type Family struct {
	Name    string   `json:"name"`
	Help    string   `json:"help,omitempty"`
	Type    string   `json:"type"`
	Samples []Sample `json:"samples"`
}

// Sample is a single labeled observation within a family. Value is set for
// counters and gauges, Count and Sum for histograms and summaries.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  *float64          `json:"value,omitempty"`
	Count  *uint64           `json:"count,omitempty"`
	Sum    *float64          `json:"sum,omitempty"`
}

// JSONSnapshot gathers the registry into a JSON-friendly document. The
// families come back in the same name order Gather produces.
func (m *Metrics) JSONSnapshot() ([]Family, error) {
	gathered, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	families := make([]Family, 0, len(gathered))
	for _, mf := range gathered {
		families = append(families, familyFromDTO(mf))
	}
	return families, nil
}

func familyFromDTO(mf *dto.MetricFamily) Family {
	fam := Family{
		Name: mf.GetName(),
		Help: mf.GetHelp(),
		Type: strings.ToLower(mf.GetType().String()),
	}
	for _, metric := range mf.GetMetric() {
		sample := Sample{}
		if labels := metric.GetLabel(); len(labels) > 0 {
			sample.Labels = make(map[string]string, len(labels))
			for _, pair := range labels {
				sample.Labels[pair.GetName()] = pair.GetValue()
			}
		}
		switch {
		case metric.Counter != nil:
			value := metric.GetCounter().GetValue()
			sample.Value = &value
		case metric.Gauge != nil:
			value := metric.GetGauge().GetValue()
			sample.Value = &value
		case metric.Histogram != nil:
			count := metric.GetHistogram().GetSampleCount()
			sum := metric.GetHistogram().GetSampleSum()
			sample.Count = &count
			sample.Sum = &sum
		case metric.Summary != nil:
			count := metric.GetSummary().GetSampleCount()
			sum := metric.GetSummary().GetSampleSum()
			sample.Count = &count
			sample.Sum = &sum
		case metric.Untyped != nil:
			value := metric.GetUntyped().GetValue()
			sample.Value = &value
		}
		fam.Samples = append(fam.Samples, sample)
	}
	return fam
}
