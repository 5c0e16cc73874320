package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	ActionCategory string

	Experiment optional[string] // bench.experiment
	Fuzzer     optional[string] // bench.fuzzer
	Benchmark  optional[string] // bench.benchmark
	TrialID    optional[int64]  // bench.trial.id
	Cycle      optional[int]    // bench.cycle
	newUnits   optional[int]    // bench.corpus.new_units

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// EmptySpanAttributes carries no action category; it is filled in later by Merge.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies the fields set in other that are still unset here.
// ActionCategory is always taken from other when present.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.Experiment, &other.Experiment)
	mergeOptional(&o.Fuzzer, &other.Fuzzer)
	mergeOptional(&o.Benchmark, &other.Benchmark)
	mergeOptional(&o.TrialID, &other.TrialID)
	mergeOptional(&o.Cycle, &other.Cycle)
	mergeOptional(&o.newUnits, &other.newUnits)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithExperiment(val string) *SpanAttributes {
	o.Experiment.Set(val)
	return o
}

func (o *SpanAttributes) WithFuzzer(val string) *SpanAttributes {
	o.Fuzzer.Set(val)
	return o
}

func (o *SpanAttributes) WithBenchmark(val string) *SpanAttributes {
	o.Benchmark.Set(val)
	return o
}

func (o *SpanAttributes) WithTrialID(val uint) *SpanAttributes {
	o.TrialID.Set(int64(val))
	return o
}

func (o *SpanAttributes) WithCycle(val int) *SpanAttributes {
	o.Cycle.Set(val)
	return o
}

func (o *SpanAttributes) WithNewUnits(val int) *SpanAttributes {
	o.newUnits.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	attrs = append(attrs, attribute.String("bench.action.category", o.ActionCategory))
	if o.Experiment.set {
		attrs = append(attrs, attribute.String("bench.experiment", o.Experiment.val))
	}
	if o.Fuzzer.set {
		attrs = append(attrs, attribute.String("bench.fuzzer", o.Fuzzer.val))
	}
	if o.Benchmark.set {
		attrs = append(attrs, attribute.String("bench.benchmark", o.Benchmark.val))
	}
	if o.TrialID.set {
		attrs = append(attrs, attribute.Int64("bench.trial.id", o.TrialID.val))
	}
	if o.Cycle.set {
		attrs = append(attrs, attribute.Int("bench.cycle", o.Cycle.val))
	}
	if o.newUnits.set {
		attrs = append(attrs, attribute.Int("bench.corpus.new_units", o.newUnits.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
