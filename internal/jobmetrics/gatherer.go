package jobmetrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/proto"
)

// JobPrefix selects the maintenance job series recorded by the scheduler.
const JobPrefix = "orderflow_job_"

type prefixGatherer struct {
	inner  prometheus.Gatherer
	prefix string
}

// WithPrefix narrows a gatherer to families whose name starts with prefix,
// so a push carries job results and not the whole process registry.
func WithPrefix(inner prometheus.Gatherer, prefix string) prometheus.Gatherer {
	return prefixGatherer{inner: inner, prefix: prefix}
}

func (g prefixGatherer) Gather() ([]*dto.MetricFamily, error) {
	families, err := g.inner.Gather()
	out := make([]*dto.MetricFamily, 0, len(families))
	for _, family := range families {
		if strings.HasPrefix(family.GetName(), g.prefix) {
			out = append(out, family)
		}
	}
	return out, err
}

type relabelGatherer struct {
	inner    prometheus.Gatherer
	from, to string
}

// RenameLabel rewrites one label name on every gathered series. Pushgateway
// owns the job label, so job metrics move theirs aside before a push.
func RenameLabel(inner prometheus.Gatherer, from, to string) prometheus.Gatherer {
	return relabelGatherer{inner: inner, from: from, to: to}
}

func (g relabelGatherer) Gather() ([]*dto.MetricFamily, error) {
	families, err := g.inner.Gather()
	out := make([]*dto.MetricFamily, 0, len(families))
	for _, family := range families {
		clone := proto.Clone(family).(*dto.MetricFamily)
		for _, metric := range clone.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == g.from {
					label.Name = proto.String(g.to)
				}
			}
		}
		out = append(out, clone)
	}
	return out, err
}
