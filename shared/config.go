package shared

import (
	"encoding/json"
	"github.com/tailscale/hujson"
	"log"
	"os"
)

const (
	configVarName = "CONFIG"               // If set, will load config.json from this path and not from devConfigPath
	devConfigPath = "dev/config.dev.jsonc" // Path to config.json in development environment
)

const (
	// DeleteModeTombstone replaces a deleted object with a Tombstone that keeps its former type.
	DeleteModeTombstone = "tombstone"
	// DeleteModePurge removes a deleted object outright.
	DeleteModePurge = "purge"
)

type Config struct {
	LogFile           string   `json:"log_file"`
	LogLevel          string   `json:"log_level"`
	ServicePort       uint     `json:"service_port"`
	Host              string   `json:"host"`
	DbFile            string   `json:"db_file"`
	FetchTimeoutSec   uint     `json:"fetch_timeout_sec"`
	RefetchAfterDays  uint     `json:"refetch_after_days"` // 0 means a fetched IRI is never fetched again
	DeleteMode        string   `json:"delete_mode"`        // "tombstone" or "purge"
	AutoAcceptFollows bool     `json:"auto_accept_follows"`
	InboundWorkers    uint     `json:"inbound_workers"`
	ApiKeys           []string `json:"api_keys"`
}

func LoadConfig() *Config {

	cfgPath := os.Getenv(configVarName)
	if len(cfgPath) == 0 {
		cfgPath = devConfigPath
	}

	var config Config
	mustDeserializeFile(cfgPath, &config)
	applyDefaults(&config)
	return &config
}

func applyDefaults(cfg *Config) {
	if cfg.FetchTimeoutSec == 0 {
		cfg.FetchTimeoutSec = 15
	}
	if cfg.DeleteMode == "" {
		cfg.DeleteMode = DeleteModeTombstone
	}
	if cfg.InboundWorkers == 0 {
		cfg.InboundWorkers = 4
	}
}

func mustDeserializeFile[T any](fileName string, obj *T) {
	var err error
	var cfgJson []byte
	cfgJson, err = os.ReadFile(fileName)
	if err != nil {
		log.Fatal(err)
	}
	// JSONC => JSON
	cfgJson, err = standardizeJSON(cfgJson)
	if err != nil {
		log.Fatal(err)
	}
	// Parse
	if err := json.Unmarshal(cfgJson, obj); err != nil {
		log.Fatal(err)
	}
}

func standardizeJSON(b []byte) ([]byte, error) {
	ast, err := hujson.Parse(b)
	if err != nil {
		return b, err
	}
	ast.Standardize()
	return ast.Pack(), nil
}
