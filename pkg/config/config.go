// Package config assembles the service configuration from compiled
// defaults, an optional YAML file, a .env file and the environment, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv        = "ONLYONE_CONFIG"
	addrEnv              = "ADDR"
	logLevelEnv          = "LOG_LEVEL"
	sentryDSNEnv         = "SENTRY_DSN"
	databaseURLEnv       = "DATABASE_URL"
	cacheBackendEnv      = "CACHE_BACKEND"
	cacheURLEnv          = "CACHE_URL"
	mongoURIEnv          = "MONGODB_URI"
	openAIKeyEnv         = "OPENAI_API_KEY"
	huggingFaceTokenEnv  = "HF_API_TOKEN"
	embeddingProviderEnv = "EMBEDDING_PROVIDER"
	moderationProvEnv    = "MODERATION_PROVIDER"
	moderationPolicyEnv  = "MODERATION_FAILURE_POLICY"
	thresholdEnv         = "SIMILARITY_THRESHOLD"
	temporalEnv          = "TEMPORAL_ANALYTICS"
)

const (
	MinSimilarityThreshold = 0.70
	MaxSimilarityThreshold = 0.90
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
	Mongo       MongoConfig       `yaml:"mongo"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	HuggingFace HuggingFaceConfig `yaml:"huggingface"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Moderation  ModerationConfig  `yaml:"moderation"`
	Similarity  SimilarityConfig  `yaml:"similarity"`
	Feed        FeedConfig        `yaml:"feed"`
	Temporal    bool              `yaml:"temporal"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	LogLevel      string        `yaml:"logLevel"`
	SentryDSN     string        `yaml:"sentryDsn"`
	RequestBudget time.Duration `yaml:"requestBudget"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// CacheConfig selects the cache backend: "redis", "valkey" or "memory".
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	URL           string        `yaml:"url"`
	MaxIdle       int           `yaml:"maxIdle"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ModerationTTL time.Duration `yaml:"moderationTtl"`
	SimilarTTL    time.Duration `yaml:"similarTtl"`
	CountTTL      time.Duration `yaml:"countTtl"`
	TemporalTTL   time.Duration `yaml:"temporalTtl"`
	FeedTTL       time.Duration `yaml:"feedTtl"`
}

// MongoConfig locates the moderation audit log. An empty URI disables it.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
}

type HuggingFaceConfig struct {
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig selects "openai" or "huggingface".
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Endpoint    string        `yaml:"endpoint"`
	Dimension   int           `yaml:"dimension"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// ModerationConfig selects "local" or "openai" classifiers. A Hugging Face
// toxicity endpoint replaces the local toxicity check when set.
type ModerationConfig struct {
	Provider         string             `yaml:"provider"`
	Policy           string             `yaml:"policy"`
	CheckTimeout     time.Duration      `yaml:"checkTimeout"`
	Thresholds       map[string]float32 `yaml:"thresholds"`
	OpenAIModel      string             `yaml:"openaiModel"`
	ToxicityEndpoint string             `yaml:"toxicityEndpoint"`
	ToxicityLabel    string             `yaml:"toxicityLabel"`
}

type SimilarityConfig struct {
	Threshold      float32 `yaml:"threshold"`
	CandidateLimit int     `yaml:"candidateLimit"`
}

type FeedConfig struct {
	PageSize        int `yaml:"pageSize"`
	InvalidatePages int `yaml:"invalidatePages"`
}

// Default is the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			LogLevel:      "info",
			RequestBudget: 10 * time.Second,
		},
		Database: DatabaseConfig{
			URL:          "postgres://localhost:5432/onlyone?sslmode=disable",
			MaxOpenConns: 20,
		},
		Cache: CacheConfig{
			Backend:       "redis",
			URL:           "redis://localhost:6379/0",
			MaxIdle:       10,
			DialTimeout:   2 * time.Second,
			ModerationTTL: 5 * time.Minute,
			SimilarTTL:    2 * time.Minute,
			CountTTL:      time.Minute,
			TemporalTTL:   2 * time.Minute,
			FeedTTL:       30 * time.Second,
		},
		Mongo: MongoConfig{
			Database:   "onlyone",
			Collection: "moderation_rejections",
		},
		HuggingFace: HuggingFaceConfig{Timeout: 10 * time.Second},
		Embedding: EmbeddingConfig{
			Provider:    "huggingface",
			Model:       "text-embedding-3-small",
			Endpoint:    "https://api-inference.huggingface.co/pipeline/feature-extraction/sentence-transformers/all-MiniLM-L6-v2",
			Dimension:   384,
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			Backoff:     200 * time.Millisecond,
		},
		Moderation: ModerationConfig{
			Provider:     "local",
			Policy:       "closed",
			CheckTimeout: 3 * time.Second,
			Thresholds: map[string]float32{
				"toxicity": 0.7,
				"spam":     0.6,
				"hate":     0.5,
				"adult":    0.5,
			},
			OpenAIModel:   "text-moderation-latest",
			ToxicityLabel: "toxic",
		},
		Similarity: SimilarityConfig{
			Threshold:      0.80,
			CandidateLimit: 5000,
		},
		Feed: FeedConfig{
			PageSize:        20,
			InvalidatePages: 3,
		},
		Temporal: true,
	}
}

// Load reads .env from the working directory, if any, then builds the
// configuration.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

func LoadFrom(dotenv string) (*Config, error) {
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed reading %s: %w", dotenv, err)
	}

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		addrEnv:              &c.Server.Addr,
		logLevelEnv:          &c.Server.LogLevel,
		sentryDSNEnv:         &c.Server.SentryDSN,
		databaseURLEnv:       &c.Database.URL,
		cacheBackendEnv:      &c.Cache.Backend,
		cacheURLEnv:          &c.Cache.URL,
		mongoURIEnv:          &c.Mongo.URI,
		openAIKeyEnv:         &c.OpenAI.APIKey,
		huggingFaceTokenEnv:  &c.HuggingFace.Token,
		embeddingProviderEnv: &c.Embedding.Provider,
		moderationProvEnv:    &c.Moderation.Provider,
		moderationPolicyEnv:  &c.Moderation.Policy,
	}
	for env, dst := range strs {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(thresholdEnv); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("config: %s: %w", thresholdEnv, err)
		}
		c.Similarity.Threshold = float32(f)
	}
	if v, ok := os.LookupEnv(temporalEnv); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", temporalEnv, err)
		}
		c.Temporal = b
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Similarity.Threshold < MinSimilarityThreshold || c.Similarity.Threshold > MaxSimilarityThreshold:
		return fmt.Errorf("config: similarity threshold %.2f outside [%.2f, %.2f]",
			c.Similarity.Threshold, MinSimilarityThreshold, MaxSimilarityThreshold)
	case c.Moderation.Policy != "closed" && c.Moderation.Policy != "open":
		return fmt.Errorf("config: unknown moderation failure policy %q", c.Moderation.Policy)
	case c.Moderation.Provider != "local" && c.Moderation.Provider != "openai":
		return fmt.Errorf("config: unknown moderation provider %q", c.Moderation.Provider)
	case c.Moderation.Provider == "openai" && c.OpenAI.APIKey == "":
		return fmt.Errorf("config: moderation provider openai needs %s", openAIKeyEnv)
	case c.Embedding.Provider != "openai" && c.Embedding.Provider != "huggingface":
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	case c.Embedding.Provider == "openai" && c.OpenAI.APIKey == "":
		return fmt.Errorf("config: embedding provider openai needs %s", openAIKeyEnv)
	case c.Embedding.Dimension <= 0:
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Embedding.Dimension)
	case c.Cache.Backend != "redis" && c.Cache.Backend != "valkey" && c.Cache.Backend != "memory":
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	case c.Server.RequestBudget <= 0:
		return errors.New("config: request budget must be positive")
	case c.Moderation.CheckTimeout <= 0:
		return errors.New("config: moderation check timeout must be positive")
	}
	return nil
}
