package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the pipeline reads, derived from an optional
// YAML file with environment-variable overrides on top.
type Config struct {
	RootDir      string
	WorkDir      string
	ProposalPath string
	CachePath    string

	WorkerCount   int
	BatchSize     int
	JobTimeoutSec int

	// Collection date range used for two-digit year expansion.
	MinYear int
	MaxYear int

	// Back-scan naming rules, tried in order: suffix, infix, prefix.
	BackSuffixes []string
	BackInfixes  []string
	BackPrefixes []string
	Extensions   []string

	// Coverage below this percentage logs a warning during discovery.
	CoverageWarnPct float64

	// Whole-field boilerplate denylist applied by the normalizer.
	PollutionDenylist []string

	CaptionMaxLen int
	CommentMaxLen int

	KnownLocations []KnownLocation

	GeocoderBaseURL      string
	GeocoderEmail        string
	GeocodeMinIntervalMS int
	GeocoderEnabled      bool

	TranscribeMode    string
	TranscribeModel   string
	TranscribeBaseURL string
	TranscribeKey     string
	TranscribePrompt  string
	MaxImageEdge      int
	MaxImageBytes     int64

	ExiftoolPath string

	// DryRun makes apply report-only by default; the CLI flag can still
	// force a dry run but not override this to a real write.
	DryRun bool

	StrictConfig bool
}

// KnownLocation is one entry of the static place table consulted before any
// external geocoding call.
type KnownLocation struct {
	Aliases []string `json:"aliases" yaml:"aliases"`
	Lat     float64  `json:"lat" yaml:"lat"`
	Lon     float64  `json:"lon" yaml:"lon"`
	City    string   `json:"city" yaml:"city"`
	Country string   `json:"country" yaml:"country"`
}

type fileConfig struct {
	RootDir           string          `json:"root_dir" yaml:"root_dir"`
	WorkDir           string          `json:"work_dir" yaml:"work_dir"`
	ProposalPath      string          `json:"proposal_path" yaml:"proposal_path"`
	CachePath         string          `json:"cache_path" yaml:"cache_path"`
	WorkerCount       *int            `json:"worker_count" yaml:"worker_count"`
	BatchSize         *int            `json:"batch_size" yaml:"batch_size"`
	JobTimeoutSec     *int            `json:"job_timeout_sec" yaml:"job_timeout_sec"`
	MinYear           *int            `json:"min_year" yaml:"min_year"`
	MaxYear           *int            `json:"max_year" yaml:"max_year"`
	BackSuffixes      []string        `json:"back_suffixes" yaml:"back_suffixes"`
	BackInfixes       []string        `json:"back_infixes" yaml:"back_infixes"`
	BackPrefixes      []string        `json:"back_prefixes" yaml:"back_prefixes"`
	Extensions        []string        `json:"extensions" yaml:"extensions"`
	CoverageWarnPct   *float64        `json:"coverage_warn_pct" yaml:"coverage_warn_pct"`
	PollutionDenylist []string        `json:"pollution_denylist" yaml:"pollution_denylist"`
	CaptionMaxLen     *int            `json:"caption_max_len" yaml:"caption_max_len"`
	CommentMaxLen     *int            `json:"comment_max_len" yaml:"comment_max_len"`
	KnownLocations    []KnownLocation `json:"known_locations" yaml:"known_locations"`
	Geocoder          geocoderFile    `json:"geocoder" yaml:"geocoder"`
	Transcribe        transcribeFile  `json:"transcribe" yaml:"transcribe"`
	ExiftoolPath      string          `json:"exiftool_path" yaml:"exiftool_path"`
	DryRun            *bool           `json:"dry_run" yaml:"dry_run"`
}

type geocoderFile struct {
	BaseURL       string `json:"base_url" yaml:"base_url"`
	Email         string `json:"email" yaml:"email"`
	MinIntervalMS *int   `json:"min_interval_ms" yaml:"min_interval_ms"`
	Enabled       *bool  `json:"enabled" yaml:"enabled"`
}

type transcribeFile struct {
	Mode          string `json:"mode" yaml:"mode"`
	Model         string `json:"model" yaml:"model"`
	BaseURL       string `json:"base_url" yaml:"base_url"`
	Prompt        string `json:"prompt" yaml:"prompt"`
	MaxImageEdge  *int   `json:"max_image_edge" yaml:"max_image_edge"`
	MaxImageBytes *int64 `json:"max_image_bytes" yaml:"max_image_bytes"`
}

const (
	defaultWorkDir       = "runtime/backsync"
	defaultProposalFile  = "proposal.txt"
	defaultCacheFile     = "backsync.db"
	defaultWorkerCount   = 4
	minWorkerCount       = 1
	maxWorkerCount       = 16
	defaultBatchSize     = 25
	defaultJobTimeoutSec = 120
	defaultMinYear       = 1966
	defaultMaxYear       = 2030
	defaultCoverageWarn  = 40.0
	defaultCaptionMax    = 1000
	defaultCommentMax    = 2000
	defaultMaxImageEdge  = 2000
	defaultMaxImageByte  = 5 << 20
)

func defaultExtensions() []string {
	return []string{".jpg", ".jpeg", ".tif", ".tiff", ".png"}
}

func defaultDenylist() []string {
	return []string{
		"no context",
		"no useful metadata",
		"blank",
		"degraded",
		"illegible",
		"nothing visible",
		"photo paper markings only",
	}
}

// Load reads configuration from CONFIG_PATH (default config/config.yaml),
// then applies environment overrides. A missing config file is not an error
// unless STRICT_CONFIG is set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		WorkerCount:          defaultWorkerCount,
		BatchSize:            defaultBatchSize,
		JobTimeoutSec:        defaultJobTimeoutSec,
		MinYear:              defaultMinYear,
		MaxYear:              defaultMaxYear,
		BackSuffixes:         []string{"_b", "_B"},
		BackInfixes:          []string{"back", "reverse", "rear"},
		BackPrefixes:         []string{"fastfoto_"},
		Extensions:           defaultExtensions(),
		CoverageWarnPct:      defaultCoverageWarn,
		PollutionDenylist:    defaultDenylist(),
		CaptionMaxLen:        defaultCaptionMax,
		CommentMaxLen:        defaultCommentMax,
		GeocoderBaseURL:      "https://nominatim.openstreetmap.org/search",
		GeocodeMinIntervalMS: 1100,
		GeocoderEnabled:      true,
		TranscribeMode:       "sidecar",
		TranscribeModel:      "gpt-4o",
		TranscribeBaseURL:    "https://api.openai.com",
		TranscribeKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		MaxImageEdge:         defaultMaxImageEdge,
		MaxImageBytes:        defaultMaxImageByte,
		ExiftoolPath:         "exiftool",
		StrictConfig:         parseBoolEnv("STRICT_CONFIG"),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	applyFileConfig(&cfg, fileCfg)
	applyEnvOverrides(&cfg)

	cfg.WorkDir = firstNonEmpty(cfg.WorkDir, defaultWorkDir)
	if cfg.ProposalPath == "" {
		cfg.ProposalPath = filepath.Join(cfg.WorkDir, defaultProposalFile)
	}
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.WorkDir, defaultCacheFile)
	}

	if cfg.WorkerCount < minWorkerCount {
		log.Printf("worker_count raised to minimum %d (was %d)", minWorkerCount, cfg.WorkerCount)
		cfg.WorkerCount = minWorkerCount
	}
	if cfg.WorkerCount > maxWorkerCount {
		log.Printf("worker_count capped at %d (was %d)", maxWorkerCount, cfg.WorkerCount)
		cfg.WorkerCount = maxWorkerCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MinYear >= cfg.MaxYear {
		return cfg, fmt.Errorf("invalid collection year range %d-%d", cfg.MinYear, cfg.MaxYear)
	}

	log.Printf("config: work_dir=%s proposal=%s cache=%s workers=%d batch=%d years=%d-%d",
		cfg.WorkDir, cfg.ProposalPath, cfg.CachePath, cfg.WorkerCount, cfg.BatchSize, cfg.MinYear, cfg.MaxYear)
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	cfg.RootDir = firstNonEmpty(cfg.RootDir, fc.RootDir)
	cfg.WorkDir = firstNonEmpty(fc.WorkDir, cfg.WorkDir)
	cfg.ProposalPath = firstNonEmpty(fc.ProposalPath, cfg.ProposalPath)
	cfg.CachePath = firstNonEmpty(fc.CachePath, cfg.CachePath)
	if fc.WorkerCount != nil {
		cfg.WorkerCount = *fc.WorkerCount
	}
	if fc.BatchSize != nil {
		cfg.BatchSize = *fc.BatchSize
	}
	if fc.JobTimeoutSec != nil && *fc.JobTimeoutSec > 0 {
		cfg.JobTimeoutSec = *fc.JobTimeoutSec
	}
	if fc.MinYear != nil {
		cfg.MinYear = *fc.MinYear
	}
	if fc.MaxYear != nil {
		cfg.MaxYear = *fc.MaxYear
	}
	if len(fc.BackSuffixes) > 0 {
		cfg.BackSuffixes = fc.BackSuffixes
	}
	if len(fc.BackInfixes) > 0 {
		cfg.BackInfixes = fc.BackInfixes
	}
	if len(fc.BackPrefixes) > 0 {
		cfg.BackPrefixes = fc.BackPrefixes
	}
	if len(fc.Extensions) > 0 {
		cfg.Extensions = fc.Extensions
	}
	if fc.CoverageWarnPct != nil {
		cfg.CoverageWarnPct = *fc.CoverageWarnPct
	}
	if len(fc.PollutionDenylist) > 0 {
		cfg.PollutionDenylist = fc.PollutionDenylist
	}
	if fc.CaptionMaxLen != nil && *fc.CaptionMaxLen > 0 {
		cfg.CaptionMaxLen = *fc.CaptionMaxLen
	}
	if fc.CommentMaxLen != nil && *fc.CommentMaxLen > 0 {
		cfg.CommentMaxLen = *fc.CommentMaxLen
	}
	if len(fc.KnownLocations) > 0 {
		cfg.KnownLocations = fc.KnownLocations
	}
	cfg.GeocoderBaseURL = firstNonEmpty(fc.Geocoder.BaseURL, cfg.GeocoderBaseURL)
	cfg.GeocoderEmail = firstNonEmpty(fc.Geocoder.Email, cfg.GeocoderEmail)
	if fc.Geocoder.MinIntervalMS != nil && *fc.Geocoder.MinIntervalMS >= 0 {
		cfg.GeocodeMinIntervalMS = *fc.Geocoder.MinIntervalMS
	}
	if fc.Geocoder.Enabled != nil {
		cfg.GeocoderEnabled = *fc.Geocoder.Enabled
	}
	cfg.TranscribeMode = firstNonEmpty(fc.Transcribe.Mode, cfg.TranscribeMode)
	cfg.TranscribeModel = firstNonEmpty(fc.Transcribe.Model, cfg.TranscribeModel)
	cfg.TranscribeBaseURL = firstNonEmpty(fc.Transcribe.BaseURL, cfg.TranscribeBaseURL)
	cfg.TranscribePrompt = firstNonEmpty(fc.Transcribe.Prompt, cfg.TranscribePrompt)
	if fc.Transcribe.MaxImageEdge != nil && *fc.Transcribe.MaxImageEdge > 0 {
		cfg.MaxImageEdge = *fc.Transcribe.MaxImageEdge
	}
	if fc.Transcribe.MaxImageBytes != nil && *fc.Transcribe.MaxImageBytes > 0 {
		cfg.MaxImageBytes = *fc.Transcribe.MaxImageBytes
	}
	cfg.ExiftoolPath = firstNonEmpty(fc.ExiftoolPath, cfg.ExiftoolPath)
	if fc.DryRun != nil {
		cfg.DryRun = *fc.DryRun
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.RootDir = firstNonEmpty(os.Getenv("ROOT_DIR"), cfg.RootDir)
	cfg.WorkDir = firstNonEmpty(os.Getenv("WORK_DIR"), cfg.WorkDir)
	cfg.ProposalPath = firstNonEmpty(os.Getenv("PROPOSAL_PATH"), cfg.ProposalPath)
	cfg.CachePath = firstNonEmpty(os.Getenv("CACHE_PATH"), cfg.CachePath)
	cfg.ExiftoolPath = firstNonEmpty(os.Getenv("EXIFTOOL_PATH"), cfg.ExiftoolPath)
	cfg.GeocoderEmail = firstNonEmpty(os.Getenv("GEOCODER_EMAIL"), cfg.GeocoderEmail)
	cfg.TranscribeMode = firstNonEmpty(os.Getenv("TRANSCRIBE_MODE"), cfg.TranscribeMode)
	cfg.TranscribeModel = firstNonEmpty(os.Getenv("TRANSCRIBE_MODEL"), cfg.TranscribeModel)

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid WORKER_COUNT=%q, using %d", v, cfg.WorkerCount)
		} else {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid BATCH_SIZE=%q, using %d", v, cfg.BatchSize)
		} else {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("JOB_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.JobTimeoutSec = n
		} else {
			log.Printf("invalid JOB_TIMEOUT_SEC=%q, using %d", v, cfg.JobTimeoutSec)
		}
	}
	if v := os.Getenv("MIN_YEAR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinYear = n
		}
	}
	if v := os.Getenv("MAX_YEAR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxYear = n
		}
	}
	if v := os.Getenv("GEOCODER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GeocoderEnabled = b
		}
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
}

// JobTimeout returns the per-item timeout as a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// GeocodeMinInterval returns the minimum spacing between geocoder calls.
func (c Config) GeocodeMinInterval() time.Duration {
	return time.Duration(c.GeocodeMinIntervalMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Now returns a second-truncated UTC timestamp so persisted records compare
// cleanly across writes.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
