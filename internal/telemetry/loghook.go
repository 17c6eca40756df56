package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/szibis/membrane-bridge/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

// NewLogHook forwards every bridge log entry to the OTLP logger. It returns
// nil when export is disabled, which logging.SetHook treats as no hook.
func (t *Telemetry) NewLogHook() logging.LogHook {
	if !t.Enabled() {
		return nil
	}
	logger := t.logger
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		logger.Emit(context.Background(), newRecord(time.Now(), level, msg, attrs))
	}
}

// newRecord converts a log entry. Attributes are added in key order so
// records for the same event look the same in the collector.
func newRecord(ts time.Time, level logging.Level, msg string, attrs map[string]interface{}) otellog.Record {
	var r otellog.Record
	r.SetTimestamp(ts)
	r.SetObservedTimestamp(ts)
	r.SetBody(otellog.StringValue(msg))
	r.SetSeverity(severity(level))
	r.SetSeverityText(string(level))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		r.AddAttributes(otellog.KeyValue{Key: k, Value: value(attrs[k])})
	}
	return r
}

func severity(level logging.Level) otellog.Severity {
	switch level {
	case logging.LevelDebug:
		return otellog.SeverityDebug
	case logging.LevelWarn:
		return otellog.SeverityWarn
	case logging.LevelError:
		return otellog.SeverityError
	case logging.LevelFatal:
		return otellog.SeverityFatal
	}
	return otellog.SeverityInfo
}

// value maps the field types the bridge logs: counts, sizes, durations,
// errors and states.
func value(v interface{}) otellog.Value {
	switch x := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(x)
	case bool:
		return otellog.BoolValue(x)
	case int:
		return otellog.IntValue(x)
	case int64:
		return otellog.Int64Value(x)
	case uint64:
		return otellog.Int64Value(int64(x))
	case float64:
		return otellog.Float64Value(x)
	case []string:
		vals := make([]otellog.Value, len(x))
		for i, s := range x {
			vals[i] = otellog.StringValue(s)
		}
		return otellog.SliceValue(vals...)
	case error:
		return otellog.StringValue(x.Error())
	case fmt.Stringer:
		return otellog.StringValue(x.String())
	}
	return otellog.StringValue(fmt.Sprint(v))
}
