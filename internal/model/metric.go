package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"time"
)

// Category classifies what kind of operation produced a metric record.
type Category string

const (
	CategoryLLM     Category = "llm"
	CategoryPDF     Category = "pdf"
	CategorySystem  Category = "system"
	CategoryQuality Category = "quality"
	CategoryQA      Category = "qa"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryLLM, CategoryPDF, CategorySystem, CategoryQuality, CategoryQA:
		return true
	}
	return false
}

// Well-known attribute keys. Attributes are open-ended; these are the ones
// the collector and decorators populate themselves.
const (
	AttrModel             = "model"
	AttrProvider          = "provider"
	AttrTokensIn          = "tokens_in"
	AttrTokensOut         = "tokens_out"
	AttrTokensPerSecond   = "tokens_per_second"
	AttrCostEstimation    = "cost_estimation"
	AttrFileName          = "file_name"
	AttrFileSizeMB        = "file_size_mb"
	AttrPages             = "pages"
	AttrWordCount         = "word_count"
	AttrCharacterCount    = "character_count"
	AttrChunkCount        = "chunk_count"
	AttrExtractionQuality = "extraction_quality"
	AttrCPUPercent        = "cpu_percent"
	AttrMemoryPercent     = "memory_percent"
	AttrDiskPercent       = "disk_percent"
	AttrGPUUtilization    = "gpu_utilization"
	AttrGPUMemoryPercent  = "gpu_memory_percent"
	AttrError             = "error"
	AttrCancelled         = "cancelled"
	AttrClockAnomaly      = "clock_anomaly"
	AttrInvalidValue      = "invalid_value"
	AttrDurationSeconds   = "duration_seconds"
)

// Attributes maps attribute keys to scalar values (string, bool, int64, float64).
type Attributes map[string]any

// Float returns the attribute as a float64 if it is present and numeric.
// Bools and strings are not numeric.
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// String returns the attribute as a string if it is present and a string.
func (a Attributes) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Bool returns the attribute as a bool if it is present and a bool.
func (a Attributes) Bool(key string) (bool, bool) {
	b, ok := a[key].(bool)
	return b, ok
}

// MetricRecord is one structured measurement of a tracked operation.
// Immutable once created: the attribute map is private and only copies leave.
type MetricRecord struct {
	operationName   string
	category        Category
	timestamp       time.Time
	durationSeconds float64
	success         bool
	attributes      Attributes
}

// NewMetricRecord builds a record, copying attrs so later caller writes
// cannot reach it. Callers outside the metrics package should prefer
// metrics.Collector, which also validates the duration.
//
// Attribute values are reduced to scalars: integers become int64, floats
// float64, and any other value its fmt.Sprint form. NaN, infinite and nil
// values are dropped and the record is flagged with invalid_value=true.
func NewMetricRecord(name string, category Category, ts time.Time, durationSeconds float64, success bool, attrs Attributes) MetricRecord {
	cp := make(Attributes, len(attrs))
	for k, v := range attrs {
		if sv, ok := scalar(v); ok {
			cp[k] = sv
		} else {
			cp[AttrInvalidValue] = true
		}
	}
	if durationSeconds < 0 || math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		durationSeconds = 0
		cp[AttrClockAnomaly] = true
	}
	return MetricRecord{
		operationName:   name,
		category:        category,
		timestamp:       ts,
		durationSeconds: durationSeconds,
		success:         success,
		attributes:      cp,
	}
}

// scalar normalizes v to string, bool, int64 or float64. It reports false
// for values that have no finite scalar form.
func scalar(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string, bool, int64:
		return x, true
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case time.Duration:
		return x.Seconds(), true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u), true
		}
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
		return scalar(rv.Elem().Interface())
	}
	return fmt.Sprint(v), true
}

func (r MetricRecord) OperationName() string    { return r.operationName }
func (r MetricRecord) Category() Category       { return r.category }
func (r MetricRecord) Timestamp() time.Time     { return r.timestamp }
func (r MetricRecord) DurationSeconds() float64 { return r.durationSeconds }
func (r MetricRecord) Success() bool            { return r.success }

// Attributes returns a copy of the record's attributes.
func (r MetricRecord) Attributes() Attributes {
	return maps.Clone(r.attributes)
}

// Value looks up a numeric attribute. duration_seconds is addressable even
// though it is a top-level field, so alert rules can target it.
func (r MetricRecord) Value(key string) (float64, bool) {
	if key == AttrDurationSeconds {
		return r.durationSeconds, true
	}
	return r.attributes.Float(key)
}

// Attr returns a single raw attribute value.
func (r MetricRecord) Attr(key string) (any, bool) {
	v, ok := r.attributes[key]
	return v, ok
}

// Subject names what the record is about: the model attribute when present,
// otherwise the operation name.
func (r MetricRecord) Subject() string {
	if m, ok := r.attributes.String(AttrModel); ok && m != "" {
		return m
	}
	return r.operationName
}

// MetricRecordJSON is the serialized form of a MetricRecord.
type MetricRecordJSON struct {
	OperationName   string     `json:"operation_name"`
	Category        Category   `json:"category"`
	Timestamp       time.Time  `json:"timestamp"`
	DurationSeconds float64    `json:"duration_seconds"`
	Success         bool       `json:"success"`
	Attributes      Attributes `json:"attributes"`
}

// JSON returns the serializable view of the record.
func (r MetricRecord) JSON() MetricRecordJSON {
	return MetricRecordJSON{
		OperationName:   r.operationName,
		Category:        r.category,
		Timestamp:       r.timestamp,
		DurationSeconds: r.durationSeconds,
		Success:         r.success,
		Attributes:      r.Attributes(),
	}
}

// MarshalJSON encodes the record through its serializable view.
func (r MetricRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.JSON())
}
