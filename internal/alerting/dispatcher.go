package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"poolwatch/internal/domain"
	"poolwatch/internal/observability"
)

// Recorder appends alert records to an audit trail.
type Recorder interface {
	RecordAlert(ctx context.Context, rec domain.AlertRecord) error
}

type namedRecorder struct {
	name string
	rec  Recorder
}

// Options tune dispatcher behaviour.
type Options struct {
	// Credential is inspected for placeholder markers.
	Credential         string
	PlaceholderMarkers []string
}

// Dispatcher formats alerts, delivers them through a Channel and writes
// an audit record for every real threshold event. Dispatch never fails
// outward; every failure path ends in a log line.
type Dispatcher struct {
	channel   Channel
	recorders []namedRecorder
	demoMode  bool
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewDispatcher builds a dispatcher over channel.
func NewDispatcher(channel Channel, opts Options, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		channel:  channel,
		demoMode: IsPlaceholder(opts.Credential, opts.PlaceholderMarkers),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if d.demoMode {
		d.logger.Warn().Msg("placeholder messaging credential detected; alerts will be logged locally (demo mode)")
	}
	return d
}

// AddRecorder registers an audit sink under name.
func (d *Dispatcher) AddRecorder(name string, rec Recorder) {
	if rec == nil {
		return
	}
	d.recorders = append(d.recorders, namedRecorder{name: name, rec: rec})
}

// DemoMode reports whether the placeholder fallback is active.
func (d *Dispatcher) DemoMode() bool {
	return d.demoMode
}

// IsPlaceholder reports whether credential contains any marker, ignoring case.
func IsPlaceholder(credential string, markers []string) bool {
	lower := strings.ToLower(credential)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Dispatch sends one alert and returns the channel outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, sample domain.PriceSample, bounds domain.WatchConfig, startupTest bool) domain.ChannelStatus {
	text := RenderMessage(sample, bounds, startupTest)
	status := d.send(ctx, text)

	if d.metrics != nil {
		d.metrics.AlertsTotal.WithLabelValues(string(status)).Inc()
	}

	if startupTest {
		return status
	}

	d.record(ctx, domain.AlertRecord{
		TargetID:      sample.TargetID,
		Price:         sample.Value,
		LowerBound:    bounds.LowerBound,
		UpperBound:    bounds.UpperBound,
		Message:       text,
		ChannelStatus: status,
		DispatchedAt:  d.now(),
	})
	return status
}

func (d *Dispatcher) send(ctx context.Context, text string) domain.ChannelStatus {
	if d.demoMode {
		d.logger.Info().Str("message", text).Msg("demo mode: alert logged instead of sent")
		return domain.ChannelSuccess
	}
	if d.channel == nil {
		d.logger.Warn().Str("message", text).Msg("no messaging channel configured; alert logged only")
		return domain.ChannelFailed
	}

	err := d.channel.Send(ctx, text)
	switch {
	case err == nil:
		d.logger.Info().Msg("alert delivered")
		return domain.ChannelSuccess
	case errors.Is(err, ErrInvalidCredential):
		d.logger.Warn().Str("message", text).Msg("messaging credential rejected (404); alert logged as fallback")
	default:
		var delivery *DeliveryError
		if errors.As(err, &delivery) {
			d.logger.Error().Int("status", delivery.StatusCode).Msg("alert delivery failed")
		} else {
			d.logger.Error().Err(err).Msg("alert delivery failed")
		}
	}
	return domain.ChannelFailed
}

// record writes to each sink independently. A failing sink never affects
// the others or the already attempted send.
func (d *Dispatcher) record(ctx context.Context, rec domain.AlertRecord) {
	for _, r := range d.recorders {
		if err := r.rec.RecordAlert(ctx, rec); err != nil {
			d.logger.Error().Err(err).Str("recorder", r.name).Msg("failed to persist alert record")
			if d.metrics != nil {
				d.metrics.AuditFailures.WithLabelValues(r.name).Inc()
			}
		}
	}
}

// RenderMessage builds the human readable alert text.
func RenderMessage(sample domain.PriceSample, bounds domain.WatchConfig, startupTest bool) string {
	builder := strings.Builder{}
	if startupTest {
		builder.WriteString("🧪 [STARTUP TEST] Pool monitor armed\n")
	} else {
		builder.WriteString("🚨 [Pool Price Alert]\n")
	}
	builder.WriteString(fmt.Sprintf("Pool: %s\n", sample.TargetID))
	builder.WriteString(fmt.Sprintf("Price: %s\n", sample.Value.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Range: %s - %s\n", bounds.LowerBound.String(), bounds.UpperBound.String()))
	builder.WriteString(fmt.Sprintf("Status: %s\n", rangeStatus(sample, bounds)))
	if sample.OrientationInverted {
		builder.WriteString("Orientation: inverted to quote per base\n")
	}
	builder.WriteString(fmt.Sprintf("Observed: %s UTC", sample.ObservedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

func rangeStatus(sample domain.PriceSample, bounds domain.WatchConfig) string {
	switch {
	case sample.Value.LessThan(bounds.LowerBound):
		return "BELOW RANGE"
	case sample.Value.GreaterThan(bounds.UpperBound):
		return "ABOVE RANGE"
	default:
		return "IN RANGE"
	}
}
