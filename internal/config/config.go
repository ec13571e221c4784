package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Config captures every setting required to run the batch pass and the review service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Source   SourceConfig   `yaml:"source"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Rules    RulesConfig    `yaml:"rules"`
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls the HTTP, gRPC and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DatabaseConfig points at the review store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SourceConfig describes the OCEL2 log snapshot and its column contract.
type SourceConfig struct {
	Path            string   `yaml:"path"`
	Format          string   `yaml:"format"`
	IDColumn        string   `yaml:"idColumn"`
	TimeColumn      string   `yaml:"timeColumn"`
	ResourceColumn  string   `yaml:"resourceColumn"`
	LifecycleColumn string   `yaml:"lifecycleColumn"`
	LinkKeys        []string `yaml:"linkKeys"`
}

// PipelineConfig tunes detectors, scoring and evidence construction.
type PipelineConfig struct {
	SchemaVersion   string                `yaml:"schemaVersion"`
	NextView        string                `yaml:"nextView"`
	EagerSubgraph   bool                  `yaml:"eagerSubgraph"`
	Weights         WeightsConfig         `yaml:"weights"`
	Alpha           float64               `yaml:"alpha"`
	Activities      ActivityConfig        `yaml:"activities"`
	ObjectTypes     ObjectTypeConfig      `yaml:"objectTypes"`
	LengthyApproval LengthyApprovalConfig `yaml:"lengthyApproval"`
	Maverick        MaverickConfig        `yaml:"maverick"`
	// Expansion maps a detector type to the neighbour object types admitted
	// by one-hop O2O expansion. "*" admits every type; a missing entry disables expansion.
	Expansion map[string][]string `yaml:"expansion"`
}

// WeightsConfig holds the base score weights. They must sum to 1.
type WeightsConfig struct {
	S float64 `yaml:"s"`
	R float64 `yaml:"r"`
	I float64 `yaml:"i"`
	Q float64 `yaml:"q"`
}

// ActivityConfig names the normalized activities each detector reacts to.
type ActivityConfig struct {
	Payment    []string `yaml:"payment"`
	CreatePR   []string `yaml:"createPR"`
	ApprovePR  []string `yaml:"approvePR"`
	DelegatePR []string `yaml:"delegatePR"`
	CreatePO   []string `yaml:"createPO"`
	ApprovePO  []string `yaml:"approvePO"`
	CreateRFQ  []string `yaml:"createRFQ"`
}

// ObjectTypeConfig names the object types detectors anchor on. Matching is case-insensitive.
type ObjectTypeConfig struct {
	Invoice             []string `yaml:"invoice"`
	PurchaseRequisition string   `yaml:"purchaseRequisition"`
	PurchaseOrder       string   `yaml:"purchaseOrder"`
	Quotation           string   `yaml:"quotation"`
	Material            string   `yaml:"material"`
}

// LengthyApprovalConfig sets thresholds. A zero threshold is derived from the run's percentile.
type LengthyApprovalConfig struct {
	Percentile       float64 `yaml:"percentile"`
	PRThresholdHours float64 `yaml:"prThresholdHours"`
	POThresholdHours float64 `yaml:"poThresholdHours"`
}

// Maverick tie-break policies.
const (
	TieBreakEarliestApproved = "earliest_approved"
	TieBreakSmallestObjectID = "smallest_object_id"
)

// MaverickConfig selects the requisition tie-break policy.
type MaverickConfig struct {
	TieBreak string `yaml:"tieBreak"`
}

// RulesConfig controls rule-pack loading.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the auxiliary verifier.
type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"baseURL"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int64         `yaml:"maxTokens"`
	DailyLimit        int           `yaml:"dailyLimit"`
	Timezone          string        `yaml:"timezone"`
	RequestsPerMinute float64       `yaml:"requestsPerMinute"`
	PromptVersion     string        `yaml:"promptVersion"`
}

// CacheConfig controls in-process caching of verifier results and KG snapshots.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ResultTTL       time.Duration `yaml:"resultTTL"`
	GraphTTL        time.Duration `yaml:"graphTTL"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// Load initialises Config from a YAML file and optional environment overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_AUDIT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Database: DatabaseConfig{DSN: "data/mirador-audit.db"},
		Source: SourceConfig{
			IDColumn:        "ocel_id",
			TimeColumn:      "ocel_time",
			ResourceColumn:  "resource",
			LifecycleColumn: "lifecycle",
			LinkKeys:        []string{"linked_object_ids", "ocel_objects", "objects"},
		},
		Pipeline: PipelineConfig{
			SchemaVersion: "v1",
			NextView:      "object",
			EagerSubgraph: true,
			Weights:       WeightsConfig{S: 0.45, R: 0.20, I: 0.25, Q: 0.10},
			Alpha:         0.7,
			Activities: ActivityConfig{
				Payment:    []string{"ExecutePayment"},
				CreatePR:   []string{"CreatePurchaseRequisition"},
				ApprovePR:  []string{"ApprovePurchaseRequisition"},
				DelegatePR: []string{"DelegatePurchaseRequisitionApproval"},
				CreatePO:   []string{"CreatePurchaseOrder"},
				ApprovePO:  []string{"ApprovePurchaseOrder"},
				CreateRFQ:  []string{"CreateRequestforQuotation"},
			},
			ObjectTypes: ObjectTypeConfig{
				Invoice:             []string{"invoice receipt"},
				PurchaseRequisition: "purchase_requisition",
				PurchaseOrder:       "purchase_order",
				Quotation:           "quotation",
				Material:            "material",
			},
			LengthyApproval: LengthyApprovalConfig{Percentile: 0.95},
			Maverick:        MaverickConfig{TieBreak: TieBreakEarliestApproved},
			Expansion: map[string][]string{
				"duplicate_payment":   {"*"},
				"lengthy_approval_pr": {"quotation"},
				"lengthy_approval_po": {"material"},
				"maverick_buying":     {"quotation", "purchase_requisition"},
			},
		},
		Rules: RulesConfig{Path: "configs/rules/default.yaml"},
		LLM: LLMConfig{
			Provider:      "mock",
			Model:         "gpt-4o-mini",
			Timeout:       20 * time.Second,
			MaxRetries:    2,
			RetryBackoff:  500 * time.Millisecond,
			Temperature:   0.1,
			MaxTokens:     800,
			DailyLimit:    20,
			Timezone:      "Asia/Seoul",
			PromptVersion: "v1",
		},
		Cache: CacheConfig{
			Enabled:         true,
			ResultTTL:       24 * time.Hour,
			GraphTTL:        10 * time.Minute,
			CleanupInterval: 10 * time.Minute,
		},
	}
}

// Validate rejects configurations the pipeline cannot honour.
func (c *Config) Validate() error {
	w := c.Pipeline.Weights
	for name, v := range map[string]float64{"s": w.S, "r": w.R, "i": w.I, "q": w.Q} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return violation(fmt.Sprintf("pipeline.weights.%s must be within [0,1], got %v", name, v))
		}
	}
	if sum := w.S + w.R + w.I + w.Q; math.Abs(sum-1) > 1e-6 {
		return violation(fmt.Sprintf("pipeline.weights must sum to 1, got %.6f", sum))
	}
	if c.Pipeline.Alpha < 0 || c.Pipeline.Alpha > 1 {
		return violation(fmt.Sprintf("pipeline.alpha must be within [0,1], got %v", c.Pipeline.Alpha))
	}
	if p := c.Pipeline.LengthyApproval.Percentile; p <= 0 || p > 1 {
		return violation(fmt.Sprintf("pipeline.lengthyApproval.percentile must be within (0,1], got %v", p))
	}
	if c.Pipeline.LengthyApproval.PRThresholdHours < 0 || c.Pipeline.LengthyApproval.POThresholdHours < 0 {
		return violation("pipeline.lengthyApproval thresholds must not be negative")
	}
	switch c.Pipeline.Maverick.TieBreak {
	case TieBreakEarliestApproved, TieBreakSmallestObjectID:
	default:
		return violation(fmt.Sprintf("pipeline.maverick.tieBreak %q is not supported", c.Pipeline.Maverick.TieBreak))
	}
	switch c.Pipeline.NextView {
	case "object", "object_type":
	default:
		return violation(fmt.Sprintf("pipeline.nextView %q is not supported", c.Pipeline.NextView))
	}
	if strings.TrimSpace(c.Pipeline.SchemaVersion) == "" {
		return violation("pipeline.schemaVersion must be set")
	}
	if c.Source.IDColumn == "" || c.Source.TimeColumn == "" {
		return violation("source.idColumn and source.timeColumn must be set")
	}
	if c.LLM.DailyLimit < 0 {
		return violation("llm.dailyLimit must not be negative")
	}
	if c.LLM.MaxRetries < 0 {
		return violation("llm.maxRetries must not be negative")
	}
	if _, err := time.LoadLocation(c.LLM.Timezone); err != nil {
		return utils.NewCodedError(utils.CodeConfigViolation, "config", fmt.Sprintf("llm.timezone %q is invalid", c.LLM.Timezone), err)
	}
	switch c.LLM.Provider {
	case "mock", "openai":
	default:
		return violation(fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	return nil
}

// Location returns the quota timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LLM.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func violation(msg string) error {
	return utils.NewCodedError(utils.CodeConfigViolation, "config", msg, nil)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_AUDIT_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_AUDIT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_SOURCE_PATH"); v != "" {
		cfg.Source.Path = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_SOURCE_FORMAT"); v != "" {
		cfg.Source.Format = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.DailyLimit = n
		}
	}
	if v := os.Getenv("MIRADOR_AUDIT_LLM_TIMEZONE"); v != "" {
		cfg.LLM.Timezone = v
	}
	if v := os.Getenv("MIRADOR_AUDIT_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_AUDIT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}
