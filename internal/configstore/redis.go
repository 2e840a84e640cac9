package configstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
)

// Document field names.
const (
	fieldTarget      = "watchedTargetId"
	fieldLower       = "lowerBound"
	fieldUpper       = "upperBound"
	fieldLastUpdated = "lastUpdated"
)

const maxWriteAttempts = 5

// hashGetter is satisfied by both the client and a WATCH transaction.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Redis keeps the config document in a hash, announces changes on a pub/sub
// channel and appends alerts to a stream.
type Redis struct {
	client    *redis.Client
	key       string
	channel   string
	stream    string
	logger    zerolog.Logger
	now       func() time.Time
	ownClient bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, ErrDisabled
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	r := NewRedisWithClient(client, cfg, logger)
	r.ownClient = true
	return r, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg config.RedisConfig, logger zerolog.Logger) *Redis {
	key, channel, stream := cfg.ConfigKey, cfg.Channel, cfg.AuditStream
	if key == "" {
		key = "poolwatch:config"
	}
	if channel == "" {
		channel = key + ":events"
	}
	if stream == "" {
		stream = "poolwatch:alerts"
	}
	return &Redis{
		client:  client,
		key:     key,
		channel: channel,
		stream:  stream,
		logger:  logger.With().Str("component", "configstore").Str("key", key).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the client if this store created it.
func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

// Observe subscribes before reading so no change between the read and the
// subscription is missed. Each notification triggers a fresh read; the most
// recent read wins.
func (r *Redis) Observe(ctx context.Context, fn func(domain.ConfigUpdate)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("observing configuration document")

	r.deliver(ctx, fn)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, fn)
		}
	}
}

func (r *Redis) deliver(ctx context.Context, fn func(domain.ConfigUpdate)) {
	update, found, err := r.Read(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read configuration document")
		return
	}
	if !found {
		r.logger.Info().Msg("configuration document does not exist yet")
		return
	}
	fn(update)
}

// Read loads the document. found is false when the document does not exist.
func (r *Redis) Read(ctx context.Context) (domain.ConfigUpdate, bool, error) {
	return r.read(ctx, r.client)
}

func (r *Redis) read(ctx context.Context, c hashGetter) (domain.ConfigUpdate, bool, error) {
	values, err := c.HGetAll(ctx, r.key).Result()
	if err != nil {
		return domain.ConfigUpdate{}, false, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	if len(values) == 0 {
		return domain.ConfigUpdate{}, false, nil
	}
	update, err := parseDocument(values)
	if err != nil {
		return domain.ConfigUpdate{}, false, err
	}
	return update, true, nil
}

// Write merges update into the current document, validates the merged
// bounds, stores it and publishes a change notification. The read and write
// run under WATCH so concurrent writers cannot combine into inverted bounds.
func (r *Redis) Write(ctx context.Context, update domain.ConfigUpdate) error {
	var merged domain.WatchConfig
	txf := func(tx *redis.Tx) error {
		current, _, err := r.read(ctx, tx)
		if err != nil {
			return err
		}
		merged = domain.WatchConfig{}.Apply(current, r.now()).Apply(update, r.now())
		if err := ValidateBounds(merged.LowerBound, merged.UpperBound); err != nil {
			return err
		}

		fields := map[string]interface{}{
			fieldLastUpdated: merged.LastUpdated.UTC().Format(time.RFC3339Nano),
		}
		if update.WatchedTargetID != nil {
			fields[fieldTarget] = *update.WatchedTargetID
		}
		if update.LowerBound != nil {
			fields[fieldLower] = update.LowerBound.String()
		}
		if update.UpperBound != nil {
			fields[fieldUpper] = update.UpperBound.String()
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, fields)
			pipe.Publish(ctx, r.channel, fields[fieldLastUpdated])
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err = r.client.Watch(ctx, txf, r.key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		r.logger.Debug().Int("attempt", attempt+1).Msg("configuration document changed during write; retrying")
	}
	if err != nil {
		if errors.Is(err, ErrInvalidBounds) || errors.Is(err, ErrNegativeBound) {
			return err
		}
		return fmt.Errorf("write configuration document: %w", err)
	}

	r.logger.Info().
		Str("target", merged.TargetID).
		Str("lower", merged.LowerBound.String()).
		Str("upper", merged.UpperBound.String()).
		Msg("configuration document written")
	return nil
}

// RecordAlert appends the record to the audit stream.
func (r *Redis) RecordAlert(ctx context.Context, rec domain.AlertRecord) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"targetId":      rec.TargetID,
			"price":         rec.Price.String(),
			"lowerBound":    rec.LowerBound.String(),
			"upperBound":    rec.UpperBound.String(),
			"message":       rec.Message,
			"channelStatus": string(rec.ChannelStatus),
			"dispatchedAt":  rec.DispatchedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// RecentAlerts returns up to limit audit records, newest first.
func (r *Redis) RecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", r.stream, err)
	}
	records := make([]domain.AlertRecord, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := parseAlert(msg.Values)
		if err != nil {
			r.logger.Warn().Err(err).Str("id", msg.ID).Msg("skipping malformed audit entry")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseDocument(values map[string]string) (domain.ConfigUpdate, error) {
	var update domain.ConfigUpdate
	if v, ok := values[fieldTarget]; ok && v != "" {
		target := v
		update.WatchedTargetID = &target
	}
	if v, ok := values[fieldLower]; ok && v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return domain.ConfigUpdate{}, fmt.Errorf("parse %s: %w", fieldLower, err)
		}
		update.LowerBound = &d
	}
	if v, ok := values[fieldUpper]; ok && v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return domain.ConfigUpdate{}, fmt.Errorf("parse %s: %w", fieldUpper, err)
		}
		update.UpperBound = &d
	}
	if v, ok := values[fieldLastUpdated]; ok && v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return domain.ConfigUpdate{}, fmt.Errorf("parse %s: %w", fieldLastUpdated, err)
		}
		update.LastUpdated = &ts
	}
	return update, nil
}

// parseTimestamp accepts RFC3339 or unix milliseconds.
func parseTimestamp(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("timestamp is neither RFC3339 nor unix millis")
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseAlert(values map[string]interface{}) (domain.AlertRecord, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	rec := domain.AlertRecord{
		TargetID:      str("targetId"),
		Message:       str("message"),
		ChannelStatus: domain.ChannelStatus(str("channelStatus")),
	}
	var err error
	if rec.Price, err = decimal.NewFromString(str("price")); err != nil {
		return rec, fmt.Errorf("parse price: %w", err)
	}
	if rec.LowerBound, err = decimal.NewFromString(str("lowerBound")); err != nil {
		return rec, fmt.Errorf("parse lower bound: %w", err)
	}
	if rec.UpperBound, err = decimal.NewFromString(str("upperBound")); err != nil {
		return rec, fmt.Errorf("parse upper bound: %w", err)
	}
	if rec.DispatchedAt, err = parseTimestamp(str("dispatchedAt")); err != nil {
		return rec, fmt.Errorf("parse dispatched at: %w", err)
	}
	return rec, nil
}

var _ Store = (*Redis)(nil)
