package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Pattern: ASSETPLAN_[SECTION]_[KEY] (e.g., ASSETPLAN_OUTPUT_PUBLIC_PATH).
func ApplyEnvOverrides(cfg *Config) {
	setEnvString(&cfg.ProjectRoot, "ASSETPLAN_PROJECT_ROOT")
	setEnvString(&cfg.ProjectKey, "ASSETPLAN_PROJECT_KEY")

	// Output
	setEnvString(&cfg.Output.Path, "ASSETPLAN_OUTPUT_PATH")
	setEnvString(&cfg.Output.PublicPath, "ASSETPLAN_OUTPUT_PUBLIC_PATH")
	setEnvString(&cfg.Output.StatsFile, "ASSETPLAN_OUTPUT_STATS_FILE")
	setEnvBool(&cfg.Output.Gzip, "ASSETPLAN_OUTPUT_GZIP")

	// Parse
	setEnvInt(&cfg.Parse.Concurrency, "ASSETPLAN_PARSE_CONCURRENCY")

	// Chunks
	setEnvInt(&cfg.Chunks.Vendor.MinRefs, "ASSETPLAN_CHUNKS_VENDOR_MIN_REFS")

	// Watch
	setEnvDuration(&cfg.Watch.Debounce, "ASSETPLAN_WATCH_DEBOUNCE")
	setEnvFloat64(&cfg.Watch.MaxRebuildsPerSecond, "ASSETPLAN_WATCH_MAX_REBUILDS_PER_SECOND")

	// Dev server
	setEnvString(&cfg.DevServer.Address, "ASSETPLAN_DEV_SERVER_ADDRESS")
	setEnvString(&cfg.DevServer.HotReload, "ASSETPLAN_DEV_SERVER_HOT_RELOAD")

	// Database
	setEnvBool(&cfg.DB.Enabled, "ASSETPLAN_DB_ENABLED")
	setEnvString(&cfg.DB.Path, "ASSETPLAN_DB_PATH")
	setEnvDuration(&cfg.DB.BusyTimeout, "ASSETPLAN_DB_BUSY_TIMEOUT")
	setEnvInt(&cfg.DB.Keep, "ASSETPLAN_DB_KEEP")

	// Observability
	setEnvString(&cfg.Observability.OTLPEndpoint, "ASSETPLAN_OBSERVABILITY_OTLP_ENDPOINT")
	setEnvBool(&cfg.Observability.OTLPInsecure, "ASSETPLAN_OBSERVABILITY_OTLP_INSECURE")
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		log.Printf("Applying env override: %s=%s", key, val)
		*target = val
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = i
		}
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = b
		}
	}
}

func setEnvFloat64(target *float64, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = f
		}
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = d
		}
	}
}
