// Package config loads Homu's configuration: a TOML file with per-repository
// blocks, and an optional database.yml with storage settings.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/homu-dev/homu/internal/logging"
)

// Config is the top-level configuration loaded from cfg.toml.
type Config struct {
	// Trigger is the token that introduces commands in comments, e.g. "@homu".
	Trigger string `toml:"trigger"`

	GitHub   GitHub           `toml:"github"`
	Server   Server           `toml:"server"`
	Database Database         `toml:"database"`
	Logging  *logging.Config  `toml:"logging"`
	Repos    map[string]*Repo `toml:"repo"`
}

// GitHub holds host credentials.
type GitHub struct {
	// AccessToken authenticates API calls to the host.
	AccessToken string `toml:"access_token"`
	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string `toml:"base_url"`
}

// Server holds HTTP listener settings for webhook intake and the dashboard.
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Database holds storage settings. The path may also come from database.yml
// (see LoadDatabase), which takes precedence when present.
type Database struct {
	Path string `toml:"path"`
}

// Repo is the per-repository configuration block.
type Repo struct {
	// Label is the map key from the [repo.<label>] block; filled in by Load.
	Label string `toml:"-"`

	Owner string `toml:"owner"`
	Name  string `toml:"name"`

	// Reviewers may issue approval and priority commands.
	Reviewers []string `toml:"reviewers"`
	// Admins may additionally issue force and delegate commands.
	Admins []string `toml:"admins"`

	// Secret is the shared secret for host webhook HMAC validation.
	Secret string `toml:"secret"`

	// Builders are the names whose success is required before merge.
	Builders []string `toml:"builders"`

	// TestBranch receives speculative merge commits (the integration branch).
	TestBranch string `toml:"test_branch"`
	// MasterBranch is fast-forwarded on success (the protected branch).
	MasterBranch string `toml:"master_branch"`
	// TryBranch receives try builds.
	TryBranch string `toml:"try_branch"`

	// RollupCap limits how many pull requests a single rollup may combine.
	RollupCap int `toml:"rollup_cap"`
	// RollupBisect selects failure attribution: true marks only the first
	// suspect as failed, false fails the whole rollup.
	RollupBisect bool `toml:"rollup_bisect"`

	Buildbot *Buildbot     `toml:"buildbot"`
	Travis   *Travis       `toml:"travis"`
	Jenkins  *HMACProvider `toml:"jenkins"`
	Solano   *HMACProvider `toml:"solano"`
}

// Buildbot configures a buildbot CI binding. Callbacks carry the secret as a
// form field because buildbot does not sign payloads.
type Buildbot struct {
	URL      string   `toml:"url"`
	Secret   string   `toml:"secret"`
	Builders []string `toml:"builders"`
}

// Travis configures a travis CI binding authenticated by token.
type Travis struct {
	Token string `toml:"token"`
}

// HMACProvider configures a CI binding whose callbacks carry an HMAC of the
// payload body (jenkins, solano).
type HMACProvider struct {
	Secret string `toml:"secret"`
}

// FullName returns "owner/name".
func (r *Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// IsReviewer reports whether user may issue approval commands.
func (r *Repo) IsReviewer(user string) bool {
	for _, u := range r.Reviewers {
		if u == user {
			return true
		}
	}
	return false
}

// IsAdmin reports whether user may issue administrative commands.
func (r *Repo) IsAdmin(user string) bool {
	for _, u := range r.Admins {
		if u == user {
			return true
		}
	}
	return false
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in branch names, caps and listener defaults.
func (c *Config) applyDefaults() {
	if c.Trigger == "" {
		c.Trigger = "@homu"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 54856
	}
	if c.Database.Path == "" {
		c.Database.Path = "homu.db"
	}
	if c.Logging == nil {
		c.Logging = logging.DefaultConfig()
	}
	for label, repo := range c.Repos {
		repo.Label = label
		if repo.TestBranch == "" {
			repo.TestBranch = "auto"
		}
		if repo.MasterBranch == "" {
			repo.MasterBranch = "master"
		}
		if repo.TryBranch == "" {
			repo.TryBranch = "try"
		}
		if repo.RollupCap == 0 {
			repo.RollupCap = 8
		}
		if len(repo.Builders) == 0 && repo.Buildbot != nil {
			repo.Builders = repo.Buildbot.Builders
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.GitHub.AccessToken == "" {
		return fmt.Errorf("github.access_token is required")
	}
	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one [repo.<label>] block is required")
	}
	for label, repo := range c.Repos {
		if repo.Owner == "" || repo.Name == "" {
			return fmt.Errorf("repo.%s: owner and name are required", label)
		}
		if len(repo.Reviewers) == 0 {
			return fmt.Errorf("repo.%s: at least one reviewer is required", label)
		}
		if len(repo.Builders) == 0 {
			return fmt.Errorf("repo.%s: at least one builder is required", label)
		}
		if repo.TestBranch == repo.MasterBranch {
			return fmt.Errorf("repo.%s: test_branch must differ from master_branch", label)
		}
	}
	return nil
}

// RepoByFullName finds the repository config matching "owner/name".
func (c *Config) RepoByFullName(fullName string) *Repo {
	for _, repo := range c.Repos {
		if repo.FullName() == fullName {
			return repo
		}
	}
	return nil
}

// databaseYML mirrors the original database.yml layout.
type databaseYML struct {
	Production struct {
		Path string `yaml:"path"`
	} `yaml:"production"`
}

// LoadDatabase reads storage settings from a database.yml next to the main
// config. A missing file is not an error; the TOML settings stay in effect.
func (c *Config) LoadDatabase(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var db databaseYML
	if err := yaml.Unmarshal(data, &db); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if db.Production.Path != "" {
		c.Database.Path = db.Production.Path
	}
	return nil
}
