package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// FlexibleInt64Slice is a []int64 that also accepts JSON strings,
// so admin_ids can contain both 123 and "123".
type FlexibleInt64Slice []int64

func (f *FlexibleInt64Slice) UnmarshalJSON(data []byte) error {
	// Try []int64 first
	var ii []int64
	if err := json.Unmarshal(data, &ii); err == nil {
		*f = ii
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case float64:
			result = append(result, int64(val))
		case string:
			var n int64
			if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
				return fmt.Errorf("admin id %q is not numeric", val)
			}
			result = append(result, n)
		default:
			return fmt.Errorf("admin id has unsupported type %T", v)
		}
	}
	*f = result
	return nil
}

type Config struct {
	Store       StoreConfig       `json:"store"`
	Dialog      DialogConfig      `json:"dialog"`
	Ingest      IngestConfig      `json:"ingest"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Confirm     ConfirmConfig     `json:"confirm"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Access      AccessConfig      `json:"access"`
	mu          sync.RWMutex
}

type StoreConfig struct {
	Workspace string `json:"workspace" env:"RECALL_STORE_WORKSPACE"`
}

type DialogConfig struct {
	// TokenBudget is the advisory threshold per active dialog. Crossing it
	// never blocks appends; callers surface a warning to the user.
	TokenBudget int `json:"token_budget" env:"RECALL_DIALOG_TOKEN_BUDGET"`
}

type IngestConfig struct {
	ChunkSize      int    `json:"chunk_size" env:"RECALL_INGEST_CHUNK_SIZE"`
	ChunkOverlap   int    `json:"chunk_overlap" env:"RECALL_INGEST_CHUNK_OVERLAP"`
	EmbedWorkers   int    `json:"embed_workers" env:"RECALL_INGEST_EMBED_WORKERS"`
	EmbedRetries   int    `json:"embed_retries" env:"RECALL_INGEST_EMBED_RETRIES"`
	RetryBackoffMS int    `json:"retry_backoff_ms" env:"RECALL_INGEST_RETRY_BACKOFF_MS"`
	MaxFileBytes   int64  `json:"max_file_bytes" env:"RECALL_INGEST_MAX_FILE_BYTES"`
	EmbeddingModel string `json:"embedding_model" env:"RECALL_INGEST_EMBEDDING_MODEL"`
}

type RetrievalConfig struct {
	MaxSnippets    int     `json:"max_snippets" env:"RECALL_RETRIEVAL_MAX_SNIPPETS"`
	CandidateLimit int     `json:"candidate_limit" env:"RECALL_RETRIEVAL_CANDIDATE_LIMIT"`
	MinScore       float64 `json:"min_score" env:"RECALL_RETRIEVAL_MIN_SCORE"`
	TimeoutMS      int     `json:"timeout_ms" env:"RECALL_RETRIEVAL_TIMEOUT_MS"`
	TokenBudget    int     `json:"token_budget" env:"RECALL_RETRIEVAL_TOKEN_BUDGET"`
}

type ConfirmConfig struct {
	TTLSeconds int `json:"ttl_seconds" env:"RECALL_CONFIRM_TTL_SECONDS"`
}

type MaintenanceConfig struct {
	// Cron is a standard 5-field cron expression for the janitor sweep
	// (expired confirmations, retention pruning).
	Cron                string `json:"cron" env:"RECALL_MAINTENANCE_CRON"`
	MetricRetentionDays int    `json:"metric_retention_days" env:"RECALL_MAINTENANCE_METRIC_RETENTION_DAYS"`
	AuditRetentionDays  int    `json:"audit_retention_days" env:"RECALL_MAINTENANCE_AUDIT_RETENTION_DAYS"`
}

type AccessConfig struct {
	// AdminIDs are the only callers allowed to mutate the global knowledge
	// base (ingest and clear).
	AdminIDs FlexibleInt64Slice `json:"admin_ids" env:"RECALL_ACCESS_ADMIN_IDS"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Workspace: "~/.recall/workspace",
		},
		Dialog: DialogConfig{
			TokenBudget: 15000,
		},
		Ingest: IngestConfig{
			ChunkSize:      1200,
			ChunkOverlap:   200,
			EmbedWorkers:   4,
			EmbedRetries:   3,
			RetryBackoffMS: 250,
			MaxFileBytes:   20 << 20,
			EmbeddingModel: "recall-chargram-384-v1",
		},
		Retrieval: RetrievalConfig{
			MaxSnippets:    8,
			CandidateLimit: 80,
			MinScore:       0.25,
			TimeoutMS:      5000,
			TokenBudget:    2048,
		},
		Confirm: ConfirmConfig{
			TTLSeconds: 120,
		},
		Maintenance: MaintenanceConfig{
			Cron:                "*/5 * * * *",
			MetricRetentionDays: 30,
			AuditRetentionDays:  365,
		},
		Access: AccessConfig{
			AdminIDs: FlexibleInt64Slice{},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) validate() error {
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("chunk_overlap %d must be smaller than chunk_size %d",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Maintenance.Cron != "" && !gronx.New().IsValid(c.Maintenance.Cron) {
		return fmt.Errorf("invalid maintenance cron expression %q", c.Maintenance.Cron)
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Workspace)
}

// IsAdmin reports whether the caller may mutate the global knowledge base.
func (c *Config) IsAdmin(userID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Access.AdminIDs) == 0 {
		// Single-operator deployments run without an admin list.
		return true
	}
	for _, id := range c.Access.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
