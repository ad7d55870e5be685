package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wesm/ado-asana-sync/internal/models"
)

// Environment variable names
const (
	EnvADOPAT             = "ADO_PAT"
	EnvADOURL             = "ADO_URL"
	EnvAsanaToken         = "ASANA_TOKEN"
	EnvAsanaWorkspaceName = "ASANA_WORKSPACE_NAME"
	EnvProjectsFile       = "PROJECTS_FILE"
	EnvDatabasePath       = "DATABASE_PATH"
	EnvSyncedTagName      = "SYNCED_TAG_NAME"
	EnvClosedStates       = "CLOSED_STATES"
	EnvThreadCount        = "THREAD_COUNT"
	EnvSyncThreshold      = "SYNC_THRESHOLD"
	EnvSleepTime          = "SLEEP_TIME"
	EnvUserCacheTTL       = "USER_CACHE_TTL"
	EnvLogLevel           = "LOG_LEVEL"
	EnvLogFormat          = "LOG_FORMAT"
	EnvLogFile            = "LOG_FILE"
	EnvOTelEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTelHeaders        = "OTEL_EXPORTER_OTLP_HEADERS"
	EnvOTelServiceName    = "OTEL_SERVICE_NAME"
)

// MinSleepTime is the shortest accepted poll interval
const MinSleepTime = 30 * time.Second

// Config represents the application configuration
type Config struct {
	ADOPAT             string
	ADOURL             string
	AsanaToken         string
	AsanaWorkspaceName string

	// JSON file listing the project pairings to sync
	ProjectsFile string
	// Path to the SQLite mapping store
	DatabasePath string

	TagName       string
	ClosedStates  []string
	Workers       int
	RetentionDays int
	PollInterval  time.Duration
	UserCacheTTL  time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	OTelEndpoint    string
	OTelHeaders     string
	OTelServiceName string

	Projects []models.Project
}

func defaults(v *viper.Viper) {
	v.SetDefault(EnvProjectsFile, filepath.Join("data", "projects.json"))
	v.SetDefault(EnvDatabasePath, filepath.Join("data", "appdata.db"))
	v.SetDefault(EnvSyncedTagName, "synced")
	v.SetDefault(EnvClosedStates, "Closed,Removed,Done")
	v.SetDefault(EnvThreadCount, 4)
	v.SetDefault(EnvSyncThreshold, 30)
	v.SetDefault(EnvSleepTime, 300)
	v.SetDefault(EnvUserCacheTTL, "15m")
	v.SetDefault(EnvLogLevel, "INFO")
	v.SetDefault(EnvLogFormat, "text")
	v.SetDefault(EnvOTelServiceName, "ado-asana-sync")
}

// Load reads the configuration from the environment, after loading envFile
// when it exists. Variables already set in the environment win over the file.
// The projects file is not read; see LoadProjects.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		ADOPAT:             strings.TrimSpace(v.GetString(EnvADOPAT)),
		ADOURL:             strings.TrimRight(strings.TrimSpace(v.GetString(EnvADOURL)), "/"),
		AsanaToken:         strings.TrimSpace(v.GetString(EnvAsanaToken)),
		AsanaWorkspaceName: strings.TrimSpace(v.GetString(EnvAsanaWorkspaceName)),
		ProjectsFile:       v.GetString(EnvProjectsFile),
		DatabasePath:       v.GetString(EnvDatabasePath),
		TagName:            v.GetString(EnvSyncedTagName),
		ClosedStates:       splitList(v.GetString(EnvClosedStates)),
		Workers:            v.GetInt(EnvThreadCount),
		RetentionDays:      v.GetInt(EnvSyncThreshold),
		PollInterval:       time.Duration(v.GetInt(EnvSleepTime)) * time.Second,
		UserCacheTTL:       v.GetDuration(EnvUserCacheTTL),
		LogLevel:           v.GetString(EnvLogLevel),
		LogFormat:          v.GetString(EnvLogFormat),
		LogFile:            v.GetString(EnvLogFile),
		OTelEndpoint:       v.GetString(EnvOTelEndpoint),
		OTelHeaders:        v.GetString(EnvOTelHeaders),
		OTelServiceName:    v.GetString(EnvOTelServiceName),
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if cfg.PollInterval < MinSleepTime {
		cfg.PollInterval = MinSleepTime
	}

	return cfg, nil
}

// Validate reports missing credentials and bad project pairings
func (c *Config) Validate() error {
	var missing []string
	for name, value := range map[string]string{
		EnvADOPAT:             c.ADOPAT,
		EnvADOURL:             c.ADOURL,
		EnvAsanaToken:         c.AsanaToken,
		EnvAsanaWorkspaceName: c.AsanaWorkspaceName,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.TagName == "" {
		return fmt.Errorf("%s must not be empty", EnvSyncedTagName)
	}
	if len(c.ClosedStates) == 0 {
		return fmt.Errorf("%s must list at least one state", EnvClosedStates)
	}
	return ValidateProjects(c.Projects)
}

// ValidateProjects checks that every pairing is complete and that no ADO
// project is configured twice, since mapping rows are scoped by ADO project
func ValidateProjects(projects []models.Project) error {
	if len(projects) == 0 {
		return errors.New("no projects configured")
	}
	seen := make(map[string]bool, len(projects))
	for i, p := range projects {
		if p.ADOProjectName == "" || p.ADOTeamName == "" || p.AsanaProjectName == "" {
			return fmt.Errorf("project %d: adoProjectName, adoTeamName and asanaProjectName are required", i)
		}
		if seen[p.ADOProjectName] {
			return fmt.Errorf("project %d: ADO project %q is configured more than once", i, p.ADOProjectName)
		}
		seen[p.ADOProjectName] = true
	}
	return nil
}

// LoadProjects loads the project pairings from a JSON file
func LoadProjects(path string) ([]models.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}

	var projects []models.Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse projects file: %w", err)
	}

	for i := range projects {
		projects[i].ADOProjectName = strings.TrimSpace(projects[i].ADOProjectName)
		projects[i].ADOTeamName = strings.TrimSpace(projects[i].ADOTeamName)
		projects[i].AsanaProjectName = strings.TrimSpace(projects[i].AsanaProjectName)
	}
	return projects, nil
}

// SaveProjects saves the project pairings to a JSON file
func SaveProjects(projects []models.Project, path string) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal projects: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write projects file: %w", err)
	}

	return nil
}

// CreateDefaultProjects writes an example projects file if it doesn't exist.
// It reports whether a file was written.
func CreateDefaultProjects(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil // File exists, don't overwrite
	}

	projects := []models.Project{{
		ADOProjectName:   "My ADO Project",
		ADOTeamName:      "My ADO Project Team",
		AsanaProjectName: "My Asana Project",
	}}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create projects directory: %w", err)
	}

	if err := SaveProjects(projects, path); err != nil {
		return false, err
	}
	return true, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
