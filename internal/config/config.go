package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName           = "alertcore"
	defaultIntervalSeconds       = 30
	defaultAlertRetentionSeconds = 86400
	defaultHistoryMax            = 1000
	defaultHTTPListen            = ":8080"
	defaultHealthPath            = "/healthz"
	defaultReadyPath             = "/readyz"
	defaultIngestPath            = "/ingest"
	defaultMetricsPath           = "/metrics"
	defaultStatsPath             = "/stats"
	defaultNATSURL               = "nats://127.0.0.1:4222"
	defaultNATSSubject           = "alertcore.metrics"
	defaultStateBucket           = "alertcore_alerts"
	defaultStoreMaxPoints        = 10000
	defaultStoreMaxAgeSeconds    = 3600
	defaultGroupingWindowSeconds = 300
	defaultGroupingMaxSize       = 100
	defaultDedupWindowSeconds    = 300
	defaultDedupMaxEntries       = 10000
	defaultChannelMaxRetries     = 3
	defaultChannelRetryDelayMS   = 5000
	defaultChannelTimeoutSec     = 30
	defaultRuleWindowSeconds     = 300

	// StateBackendMemory keeps alert instances in process memory.
	StateBackendMemory = "memory"
	// StateBackendNATS persists alert instances in JetStream KV.
	StateBackendNATS = "nats"

	// ChannelTypeEmail identifies SMTP delivery.
	ChannelTypeEmail = "email"
	// ChannelTypeSlack identifies Slack incoming webhook delivery.
	ChannelTypeSlack = "slack"
	// ChannelTypePagerDuty identifies PagerDuty Events API v2 delivery.
	ChannelTypePagerDuty = "pagerduty"
	// ChannelTypeWebhook identifies raw JSON webhook delivery.
	ChannelTypeWebhook = "webhook"
	// ChannelTypeTelegram identifies Telegram bot delivery.
	ChannelTypeTelegram = "telegram"
	// ChannelTypeNATS identifies NATS subject publishing.
	ChannelTypeNATS = "nats"
)

var (
	supportedOperators = map[string]struct{}{
		"gt": {}, "gte": {}, "lt": {}, "lte": {}, "eq": {}, "ne": {},
		"contains": {}, "not_contains": {}, "regex": {},
	}
	supportedAggregations = map[string]struct{}{
		"avg": {}, "sum": {}, "min": {}, "max": {}, "count": {},
		"rate": {}, "percentile": {}, "last": {},
	}
	supportedSeverities = map[string]struct{}{
		"info": {}, "low": {}, "medium": {}, "high": {}, "critical": {},
	}
	supportedChannelTypes = map[string]struct{}{
		ChannelTypeEmail: {}, ChannelTypeSlack: {}, ChannelTypePagerDuty: {},
		ChannelTypeWebhook: {}, ChannelTypeTelegram: {}, ChannelTypeNATS: {},
	}
	supportedGroupingStrategies = map[string]struct{}{
		"by_labels": {}, "by_service": {}, "by_severity": {}, "by_rule": {},
	}
	legacyRuleArrayPattern    = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	legacyChannelArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*channel\s*\]\]`)
)

// Config holds service runtime settings, channels, escalation policies, and alert rules.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig
	Log        LogConfig
	Ingest     IngestConfig
	State      StateConfig
	Store      StoreConfig
	Grouping   GroupingConfig
	Dedup      DedupConfig
	Channel    []ChannelConfig
	Escalation []EscalationPolicyConfig
	Rule       []RuleConfig
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: named tables keyed by channel, policy, and rule name.
type rawConfig struct {
	Service    ServiceConfig                     `toml:"service"`
	Log        LogConfig                         `toml:"log"`
	Ingest     IngestConfig                      `toml:"ingest"`
	State      StateConfig                       `toml:"state"`
	Store      StoreConfig                       `toml:"store"`
	Grouping   GroupingConfig                    `toml:"grouping"`
	Dedup      DedupConfig                       `toml:"dedup"`
	Channel    map[string]ChannelConfig          `toml:"channel"`
	Escalation map[string]EscalationPolicyConfig `toml:"escalation"`
	Rule       map[string]RuleConfig             `toml:"rule"`
}

// ServiceConfig contains process-level loop cadences and pipeline switches.
// Params: intervals, retention limits, worker bound, and feature toggles.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                  string `toml:"name"`
	EvaluationIntervalSec int    `toml:"evaluation_interval_sec"`
	ProcessingIntervalSec int    `toml:"processing_interval_sec"`
	EscalationIntervalSec int    `toml:"escalation_interval_sec"`
	AlertRetentionSec     int    `toml:"alert_retention_sec"`
	HistoryMax            int    `toml:"history_max"`
	AlertMaxAgeSec        int    `toml:"alert_max_age_sec"`
	RuleWorkers           int    `toml:"rule_workers"`
	EnableGrouping        *bool  `toml:"enable_grouping"`
	EnableDedup           *bool  `toml:"enable_dedup"`
	EnableEscalation      *bool  `toml:"enable_escalation"`
}

// GroupingEnabled reports grouping switch (default false).
func (s ServiceConfig) GroupingEnabled() bool { return boolValue(s.EnableGrouping, false) }

// DedupEnabled reports dedup switch (default true).
func (s ServiceConfig) DedupEnabled() bool { return boolValue(s.EnableDedup, true) }

// EscalationEnabled reports escalation switch (default true).
func (s ServiceConfig) EscalationEnabled() bool { return boolValue(s.EnableEscalation, true) }

// IngestConfig defines inbound metric interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP listener with ingest and operator endpoints.
// Params: enable flag, listen address, route paths, and body size limit.
// Returns: HTTP surface behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	IngestPath   string `toml:"ingest_path"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	StatsPath    string `toml:"stats_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures NATS subscription for metric events.
// Params: servers, subject, and optional JetStream consumer settings (stream empty = core NATS).
// Returns: ingest subscriber options.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StateConfig selects alert instance persistence backend.
// Params: backend name, NATS servers, and KV bucket.
// Returns: state store options.
type StateConfig struct {
	Backend string   `toml:"backend"`
	URL     []string `toml:"url"`
	Bucket  string   `toml:"bucket"`
}

// StoreConfig bounds in-memory metric buffers.
type StoreConfig struct {
	MaxPoints int `toml:"max_points"`
	MaxAgeSec int `toml:"max_age_sec"`
}

// GroupingConfig configures alert grouper.
type GroupingConfig struct {
	Strategy     string   `toml:"strategy"`
	Labels       []string `toml:"labels"`
	WindowSec    int      `toml:"window_sec"`
	MaxGroupSize int      `toml:"max_group_size"`
}

// DedupConfig configures alert deduplicator.
type DedupConfig struct {
	Strategy   string `toml:"strategy"`
	WindowSec  int    `toml:"window_sec"`
	MaxEntries int    `toml:"max_entries"`
}

// ChannelConfig describes one notification channel from `[channel.<name>]` table.
// Params: common gating and retry settings plus transport-specific fields.
// Returns: channel settings validated by config loader and channel constructor.
type ChannelConfig struct {
	Name               string            `toml:"-"`
	Type               string            `toml:"type"`
	Enabled            *bool             `toml:"enabled"`
	Severities         []string          `toml:"severities"`
	LabelFilters       map[string]string `toml:"label_filters"`
	RateLimitPerMinute int               `toml:"rate_limit_per_minute"`
	RateLimitPerHour   int               `toml:"rate_limit_per_hour"`
	MaxRetries         *int              `toml:"max_retries"`
	RetryDelayMS       int               `toml:"retry_delay_ms"`
	TimeoutSec         int               `toml:"timeout_sec"`

	SMTPHost string   `toml:"smtp_host"`
	SMTPPort int      `toml:"smtp_port"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	From     string   `toml:"from_email"`
	To       []string `toml:"to_emails"`
	UseTLS   bool     `toml:"use_tls"`

	WebhookURL   string `toml:"webhook_url"`
	SlackChannel string `toml:"channel"`
	IconEmoji    string `toml:"icon_emoji"`

	IntegrationKey  string            `toml:"integration_key"`
	SeverityMapping map[string]string `toml:"severity_mapping"`
	EventsURL       string            `toml:"events_url"`

	URL     string            `toml:"url"`
	Method  string            `toml:"method"`
	Headers map[string]string `toml:"headers"`

	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`

	NATSURL []string `toml:"nats_url"`
	Subject string   `toml:"subject"`
	Stream  string   `toml:"stream"`
}

// IsEnabled reports channel enabled flag (default true).
func (c ChannelConfig) IsEnabled() bool { return boolValue(c.Enabled, true) }

// Retries reports configured retry count (default 3).
func (c ChannelConfig) Retries() int {
	if c.MaxRetries == nil {
		return defaultChannelMaxRetries
	}
	return *c.MaxRetries
}

// EscalationPolicyConfig describes one policy from `[escalation.<name>]` table.
// Params: entry filters, escalation cap, and ordered level list.
// Returns: policy settings for escalation manager.
type EscalationPolicyConfig struct {
	Name           string                  `toml:"-"`
	Severities     []string                `toml:"severities"`
	LabelFilters   map[string]string       `toml:"label_filters"`
	MaxEscalations int                     `toml:"max_escalations"`
	Level          []EscalationLevelConfig `toml:"level"`
}

// EscalationLevelConfig describes one escalation step.
type EscalationLevelConfig struct {
	Level      int               `toml:"level"`
	DelaySec   int               `toml:"delay_sec"`
	Channels   []string          `toml:"channels"`
	Conditions map[string]string `toml:"conditions"`
}

// RuleConfig describes one alert rule from `[rule.<name>]` table.
// Params: condition fields, hysteresis, labels, and annotations.
// Returns: rule settings for rule engine registration.
type RuleConfig struct {
	Name                  string            `toml:"-"`
	Metric                string            `toml:"metric"`
	Operator              string            `toml:"operator"`
	Threshold             any               `toml:"threshold"`
	Aggregation           string            `toml:"aggregation"`
	Percentile            float64           `toml:"percentile"`
	WindowSec             int               `toml:"window_sec"`
	GroupBy               []string          `toml:"group_by"`
	Severity              string            `toml:"severity"`
	ForSec                int               `toml:"for_sec"`
	EvaluationIntervalSec int               `toml:"evaluation_interval_sec"`
	Labels                map[string]string `toml:"labels"`
	Annotations           map[string]string `toml:"annotations"`
	Enabled               *bool             `toml:"enabled"`
}

// IsEnabled reports rule enabled flag (default true).
func (r RuleConfig) IsEnabled() bool { return boolValue(r.Enabled, true) }

// LogConfig stores logger sink options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one log sink.
// Params: enabled flag, level, format, and optional file path.
// Returns: sink behavior for logging factory.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	switch {
	case filePath == "" && dirPath == "":
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	case filePath != "" && dirPath != "":
		return ConfigSource{}, errors.New("config source must be either file or dir")
	case filePath != "":
		return ConfigSource{File: filePath}, nil
	default:
		return ConfigSource{Dir: dirPath}, nil
	}
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var (
		cfg Config
		err error
	)
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults, and validates one in-memory TOML document.
// Params: TOML body.
// Returns: validated config or decode/validation error.
func Parse(body []byte) (Config, error) {
	cfg, err := decode(body)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode converts TOML body into normalized config without defaults.
// Params: TOML body.
// Returns: config with named tables flattened into sorted slices.
func decode(body []byte) (Config, error) {
	if legacyRuleArrayPattern.Match(body) {
		return Config{}, errors.New("legacy [[rule]] format is not supported; use [rule.<rule_name>] tables")
	}
	if legacyChannelArrayPattern.Match(body) {
		return Config{}, errors.New("[[channel]] arrays are not supported; use [channel.<channel_name>] tables")
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		Ingest:   raw.Ingest,
		State:    raw.State,
		Store:    raw.Store,
		Grouping: raw.Grouping,
		Dedup:    raw.Dedup,
	}
	for _, name := range sortedKeys(raw.Channel) {
		channel := raw.Channel[name]
		channel.Name = name
		cfg.Channel = append(cfg.Channel, channel)
	}
	for _, name := range sortedKeys(raw.Escalation) {
		policy := raw.Escalation[name]
		policy.Name = name
		cfg.Escalation = append(cfg.Escalation, policy)
	}
	for _, name := range sortedKeys(raw.Rule) {
		rule := raw.Rule[name]
		rule.Name = name
		cfg.Rule = append(cfg.Rule, rule)
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := decode(body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory in name order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays one fragment onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst; named tables append.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Ingest.HTTP != (HTTPIngestConfig{}) {
		dst.Ingest.HTTP = src.Ingest.HTTP
	}
	if src.Ingest.NATS.Enabled || len(src.Ingest.NATS.URL) > 0 || src.Ingest.NATS.Subject != "" {
		dst.Ingest.NATS = src.Ingest.NATS
	}
	if src.State.Backend != "" || len(src.State.URL) > 0 || src.State.Bucket != "" {
		dst.State = src.State
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	if src.Grouping.Strategy != "" || len(src.Grouping.Labels) > 0 || src.Grouping.WindowSec != 0 || src.Grouping.MaxGroupSize != 0 {
		dst.Grouping = src.Grouping
	}
	if src.Dedup != (DedupConfig{}) {
		dst.Dedup = src.Dedup
	}
	dst.Channel = append(dst.Channel, src.Channel...)
	dst.Escalation = append(dst.Escalation, src.Escalation...)
	dst.Rule = append(dst.Rule, src.Rule...)
}

// applyDefaults fills zero-valued settings with runtime defaults.
// Params: config pointer to mutate.
// Returns: config side-effect with defaults applied.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	setDefaultInt(&cfg.Service.EvaluationIntervalSec, defaultIntervalSeconds)
	setDefaultInt(&cfg.Service.ProcessingIntervalSec, defaultIntervalSeconds)
	setDefaultInt(&cfg.Service.EscalationIntervalSec, defaultIntervalSeconds)
	setDefaultInt(&cfg.Service.AlertRetentionSec, defaultAlertRetentionSeconds)
	setDefaultInt(&cfg.Service.HistoryMax, defaultHistoryMax)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	setDefaultString(&cfg.Ingest.HTTP.Listen, defaultHTTPListen)
	setDefaultString(&cfg.Ingest.HTTP.IngestPath, defaultIngestPath)
	setDefaultString(&cfg.Ingest.HTTP.HealthPath, defaultHealthPath)
	setDefaultString(&cfg.Ingest.HTTP.ReadyPath, defaultReadyPath)
	setDefaultString(&cfg.Ingest.HTTP.MetricsPath, defaultMetricsPath)
	setDefaultString(&cfg.Ingest.HTTP.StatsPath, defaultStatsPath)
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}
	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if cfg.Ingest.NATS.Enabled && len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	setDefaultString(&cfg.Ingest.NATS.Subject, defaultNATSSubject)
	if cfg.Ingest.NATS.Stream != "" {
		setDefaultString(&cfg.Ingest.NATS.ConsumerName, "alertcore-ingest")
		setDefaultString(&cfg.Ingest.NATS.DeliverGroup, "alertcore-ingest")
		setDefaultInt(&cfg.Ingest.NATS.AckWaitSec, 30)
		setDefaultInt(&cfg.Ingest.NATS.NackDelayMS, 1000)
		setDefaultInt(&cfg.Ingest.NATS.MaxDeliver, 5)
		setDefaultInt(&cfg.Ingest.NATS.MaxAckPending, 1024)
	}

	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	setDefaultString(&cfg.State.Backend, StateBackendMemory)
	cfg.State.URL = normalizeNATSURLs(cfg.State.URL)
	if cfg.State.Backend == StateBackendNATS && len(cfg.State.URL) == 0 {
		cfg.State.URL = cfg.Ingest.NATS.URL
		if len(cfg.State.URL) == 0 {
			cfg.State.URL = []string{defaultNATSURL}
		}
	}
	setDefaultString(&cfg.State.Bucket, defaultStateBucket)

	setDefaultInt(&cfg.Store.MaxPoints, defaultStoreMaxPoints)
	setDefaultInt(&cfg.Store.MaxAgeSec, defaultStoreMaxAgeSeconds)

	setDefaultString(&cfg.Grouping.Strategy, "by_labels")
	if len(cfg.Grouping.Labels) == 0 {
		cfg.Grouping.Labels = []string{"alertname", "service", "severity"}
	}
	setDefaultInt(&cfg.Grouping.WindowSec, defaultGroupingWindowSeconds)
	setDefaultInt(&cfg.Grouping.MaxGroupSize, defaultGroupingMaxSize)

	setDefaultString(&cfg.Dedup.Strategy, "content")
	setDefaultInt(&cfg.Dedup.WindowSec, defaultDedupWindowSeconds)
	setDefaultInt(&cfg.Dedup.MaxEntries, defaultDedupMaxEntries)

	for i := range cfg.Channel {
		channel := &cfg.Channel[i]
		channel.Type = strings.ToLower(strings.TrimSpace(channel.Type))
		if channel.RetryDelayMS <= 0 {
			channel.RetryDelayMS = defaultChannelRetryDelayMS
		}
		setDefaultInt(&channel.TimeoutSec, defaultChannelTimeoutSec)
		switch channel.Type {
		case ChannelTypeEmail:
			setDefaultInt(&channel.SMTPPort, 587)
		case ChannelTypeWebhook:
			setDefaultString(&channel.Method, "POST")
			channel.Method = strings.ToUpper(channel.Method)
		case ChannelTypePagerDuty:
			setDefaultString(&channel.EventsURL, "https://events.pagerduty.com/v2/enqueue")
		case ChannelTypeNATS:
			channel.NATSURL = normalizeNATSURLs(channel.NATSURL)
			if len(channel.NATSURL) == 0 {
				channel.NATSURL = []string{defaultNATSURL}
			}
		}
	}

	for i := range cfg.Escalation {
		sort.SliceStable(cfg.Escalation[i].Level, func(a, b int) bool {
			return cfg.Escalation[i].Level[a].Level < cfg.Escalation[i].Level[b].Level
		})
		if cfg.Escalation[i].MaxEscalations <= 0 {
			cfg.Escalation[i].MaxEscalations = len(cfg.Escalation[i].Level)
		}
	}

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		rule.Operator = strings.ToLower(strings.TrimSpace(rule.Operator))
		rule.Aggregation = strings.ToLower(strings.TrimSpace(rule.Aggregation))
		setDefaultString(&rule.Aggregation, "avg")
		rule.Severity = strings.ToLower(strings.TrimSpace(rule.Severity))
		setDefaultString(&rule.Severity, "medium")
		setDefaultInt(&rule.WindowSec, defaultRuleWindowSeconds)
	}
}

// validateConfig validates merged configuration against schema constraints.
// Params: defaulted config snapshot.
// Returns: first path-qualified validation error.
func validateConfig(cfg Config) error {
	if len(cfg.Rule) == 0 {
		return errors.New("at least one rule is required")
	}
	if cfg.Service.AlertMaxAgeSec < 0 {
		return errors.New("service.alert_max_age_sec must be >=0")
	}
	if cfg.Service.RuleWorkers < 0 {
		return errors.New("service.rule_workers must be >=0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if cfg.Ingest.HTTP.Enabled {
		if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
			return errors.New("ingest.http.listen is required")
		}
		paths := map[string]string{
			"ingest.http.ingest_path":  cfg.Ingest.HTTP.IngestPath,
			"ingest.http.health_path":  cfg.Ingest.HTTP.HealthPath,
			"ingest.http.ready_path":   cfg.Ingest.HTTP.ReadyPath,
			"ingest.http.metrics_path": cfg.Ingest.HTTP.MetricsPath,
			"ingest.http.stats_path":   cfg.Ingest.HTTP.StatsPath,
		}
		for _, key := range sortedKeys(paths) {
			if !strings.HasPrefix(paths[key], "/") {
				return fmt.Errorf("%s must start with /", key)
			}
		}
	}
	if cfg.Ingest.NATS.Enabled && strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
		return errors.New("ingest.nats.subject is required when ingest.nats.enabled=true")
	}

	switch cfg.State.Backend {
	case StateBackendMemory, StateBackendNATS:
	default:
		return fmt.Errorf("state.backend has unsupported value %q", cfg.State.Backend)
	}

	if _, ok := supportedGroupingStrategies[cfg.Grouping.Strategy]; !ok {
		return fmt.Errorf("grouping.strategy has unsupported value %q", cfg.Grouping.Strategy)
	}
	switch cfg.Dedup.Strategy {
	case "content", "labels":
	default:
		return fmt.Errorf("dedup.strategy has unsupported value %q", cfg.Dedup.Strategy)
	}

	channelNames := make(map[string]struct{}, len(cfg.Channel))
	for _, channel := range cfg.Channel {
		if _, exists := channelNames[channel.Name]; exists {
			return fmt.Errorf("duplicate channel name %q", channel.Name)
		}
		channelNames[channel.Name] = struct{}{}
		if err := ValidateChannel(channel); err != nil {
			return err
		}
	}

	policyNames := make(map[string]struct{}, len(cfg.Escalation))
	for _, policy := range cfg.Escalation {
		if _, exists := policyNames[policy.Name]; exists {
			return fmt.Errorf("duplicate escalation policy %q", policy.Name)
		}
		policyNames[policy.Name] = struct{}{}
		if err := validatePolicy(policy, channelNames); err != nil {
			return err
		}
	}

	ruleNames := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, exists := ruleNames[rule.Name]; exists {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		ruleNames[rule.Name] = struct{}{}
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.Name, err)
		}
	}
	return nil
}

// ValidateChannel validates common and transport-specific channel settings.
// Params: one channel config with type already normalized.
// Returns: path-qualified validation error.
func ValidateChannel(channel ChannelConfig) error {
	prefix := "channel." + channel.Name
	if strings.TrimSpace(channel.Name) == "" {
		return errors.New("channel name is required")
	}
	if _, ok := supportedChannelTypes[channel.Type]; !ok {
		return fmt.Errorf("%s.type has unsupported value %q", prefix, channel.Type)
	}
	for _, severity := range channel.Severities {
		if _, ok := supportedSeverities[strings.ToLower(severity)]; !ok {
			return fmt.Errorf("%s.severities has unsupported value %q", prefix, severity)
		}
	}
	if channel.RateLimitPerMinute < 0 || channel.RateLimitPerHour < 0 {
		return fmt.Errorf("%s.rate_limit_per_minute and rate_limit_per_hour must be >=0", prefix)
	}
	if channel.Retries() < 0 {
		return fmt.Errorf("%s.max_retries must be >=0", prefix)
	}

	required := map[string]string{}
	switch channel.Type {
	case ChannelTypeEmail:
		required["smtp_host"] = channel.SMTPHost
		required["username"] = channel.Username
		required["password"] = channel.Password
		required["from_email"] = channel.From
		if len(channel.To) == 0 {
			return fmt.Errorf("%s.to_emails is required", prefix)
		}
	case ChannelTypeSlack:
		required["webhook_url"] = channel.WebhookURL
	case ChannelTypePagerDuty:
		required["integration_key"] = channel.IntegrationKey
	case ChannelTypeWebhook:
		required["url"] = channel.URL
	case ChannelTypeTelegram:
		required["bot_token"] = channel.BotToken
		required["chat_id"] = channel.ChatID
	case ChannelTypeNATS:
		required["subject"] = channel.Subject
	}
	for _, key := range sortedKeys(required) {
		if strings.TrimSpace(required[key]) == "" {
			return fmt.Errorf("%s.%s is required", prefix, key)
		}
	}
	return nil
}

// validatePolicy validates one escalation policy and its level channel references.
// Params: policy config and known channel names.
// Returns: path-qualified validation error.
func validatePolicy(policy EscalationPolicyConfig, channels map[string]struct{}) error {
	prefix := "escalation." + policy.Name
	for _, severity := range policy.Severities {
		if _, ok := supportedSeverities[strings.ToLower(severity)]; !ok {
			return fmt.Errorf("%s.severities has unsupported value %q", prefix, severity)
		}
	}
	seen := make(map[int]struct{}, len(policy.Level))
	for i, level := range policy.Level {
		if _, exists := seen[level.Level]; exists {
			return fmt.Errorf("%s.level[%d] duplicates level %d", prefix, i, level.Level)
		}
		seen[level.Level] = struct{}{}
		if level.DelaySec < 0 {
			return fmt.Errorf("%s.level[%d].delay_sec must be >=0", prefix, i)
		}
		if len(level.Channels) == 0 {
			return fmt.Errorf("%s.level[%d].channels is required", prefix, i)
		}
		for _, name := range level.Channels {
			if _, ok := channels[name]; !ok {
				return fmt.Errorf("%s.level[%d].channels references unknown channel %q", prefix, i, name)
			}
		}
	}
	return nil
}

// validateRule validates one alert rule.
// Params: one decoded rule with defaults applied.
// Returns: rule-level validation error.
func validateRule(rule RuleConfig) error {
	if strings.TrimSpace(rule.Metric) == "" {
		return errors.New("metric is required")
	}
	if _, ok := supportedOperators[rule.Operator]; !ok {
		return fmt.Errorf("operator has unsupported value %q", rule.Operator)
	}
	if _, ok := supportedAggregations[rule.Aggregation]; !ok {
		return fmt.Errorf("aggregation has unsupported value %q", rule.Aggregation)
	}
	if rule.Aggregation == "percentile" && (rule.Percentile <= 0 || rule.Percentile > 100) {
		return errors.New("percentile must be in (0,100] when aggregation=percentile")
	}
	if _, ok := supportedSeverities[rule.Severity]; !ok {
		return fmt.Errorf("severity has unsupported value %q", rule.Severity)
	}
	if rule.Threshold == nil {
		return errors.New("threshold is required")
	}
	switch rule.Operator {
	case "gt", "gte", "lt", "lte":
		switch rule.Threshold.(type) {
		case int64, float64:
		default:
			return fmt.Errorf("threshold must be numeric for operator %q", rule.Operator)
		}
	case "regex":
		pattern, ok := rule.Threshold.(string)
		if !ok {
			return errors.New("threshold must be a string pattern for operator \"regex\"")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("threshold is not a valid pattern: %w", err)
		}
	}
	if rule.WindowSec <= 0 {
		return errors.New("window_sec must be >0")
	}
	if rule.ForSec < 0 {
		return errors.New("for_sec must be >=0")
	}
	if rule.EvaluationIntervalSec < 0 {
		return errors.New("evaluation_interval_sec must be >=0")
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}
	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}
	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func setDefaultInt(dst *int, value int) {
	if *dst <= 0 {
		*dst = value
	}
}

func setDefaultString(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}

func boolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
