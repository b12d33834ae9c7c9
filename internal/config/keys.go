package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	secret  bool
	extract func(cfg Config) any
}

// env derives the override variable from the dotted key, matching the
// envPrefix/env struct tags.
func (s keySpec) env() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

// parse converts a CLI string into the YAML value stored for the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		return b, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		return f, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		// Stored as text so the file stays readable; yaml.v3 decodes it back.
		return d.String(), nil
	default:
		return raw, nil
	}
}

var specs = []keySpec{
	{key: "server.port", typ: kInt, extract: func(c Config) any { return c.Server.Port }},
	{key: "log.level", typ: kString, extract: func(c Config) any { return c.Log.Level }},
	{key: "log.format", typ: kString, extract: func(c Config) any { return c.Log.Format }},

	{key: "storage.data_dir", typ: kString, extract: func(c Config) any { return c.Storage.DataDir }},
	{key: "storage.quota_bytes", typ: kInt, extract: func(c Config) any { return c.Storage.QuotaBytes }},
	{key: "storage.max_age", typ: kDuration, extract: func(c Config) any { return c.Storage.MaxAge }},
	{key: "storage.max_items", typ: kInt, extract: func(c Config) any { return c.Storage.MaxItems }},
	{key: "storage.cleanup_threshold", typ: kInt, extract: func(c Config) any { return c.Storage.CleanupThreshold }},
	{key: "storage.auto_cleanup", typ: kBool, extract: func(c Config) any { return c.Storage.AutoCleanup }},
	{key: "storage.failed_grace", typ: kDuration, extract: func(c Config) any { return c.Storage.FailedGrace }},

	{key: "sync.auto_sync", typ: kBool, extract: func(c Config) any { return c.Sync.AutoSync }},
	{key: "sync.interval", typ: kDuration, extract: func(c Config) any { return c.Sync.Interval }},
	{key: "sync.lease_ttl", typ: kDuration, extract: func(c Config) any { return c.Sync.LeaseTTL }},

	{key: "retry.max_retries", typ: kInt, extract: func(c Config) any { return c.Retry.MaxRetries }},
	{key: "retry.initial_delay", typ: kDuration, extract: func(c Config) any { return c.Retry.InitialDelay }},
	{key: "retry.max_delay", typ: kDuration, extract: func(c Config) any { return c.Retry.MaxDelay }},
	{key: "retry.backoff_multiplier", typ: kFloat, extract: func(c Config) any { return c.Retry.BackoffMultiplier }},

	{key: "dedup.enabled", typ: kBool, extract: func(c Config) any { return c.Dedup.Enabled }},
	{key: "dedup.check_remote", typ: kBool, extract: func(c Config) any { return c.Dedup.CheckRemote }},
	{key: "dedup.time_window", typ: kDuration, extract: func(c Config) any { return c.Dedup.TimeWindow }},
	{key: "dedup.threshold", typ: kFloat, extract: func(c Config) any { return c.Dedup.Threshold }},

	{key: "conflict.auto_resolve", typ: kBool, extract: func(c Config) any { return c.Conflict.AutoResolve }},
	{key: "conflict.prefer_local", typ: kBool, extract: func(c Config) any { return c.Conflict.PreferLocal }},

	{key: "remote.indexer_url", typ: kString, extract: func(c Config) any { return c.Remote.IndexerURL }},
	{key: "remote.signer_url", typ: kString, extract: func(c Config) any { return c.Remote.SignerURL }},
	{key: "remote.signer_token", typ: kString, secret: true, extract: func(c Config) any { return c.Remote.SignerToken }},
	{key: "remote.content_url", typ: kString, extract: func(c Config) any { return c.Remote.ContentURL }},
	{key: "remote.content_token", typ: kString, secret: true, extract: func(c Config) any { return c.Remote.ContentToken }},
	{key: "remote.probe_url", typ: kString, extract: func(c Config) any { return c.Remote.ProbeURL }},
	{key: "remote.probe_interval", typ: kDuration, extract: func(c Config) any { return c.Remote.ProbeInterval }},

	{key: "telemetry.otlp_endpoint", typ: kString, extract: func(c Config) any { return c.Telemetry.OTLPEndpoint }},
	{key: "telemetry.amqp_url", typ: kString, secret: true, extract: func(c Config) any { return c.Telemetry.AMQPURL }},
	{key: "telemetry.amqp_exchange", typ: kString, extract: func(c Config) any { return c.Telemetry.AMQPExchange }},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
