package server

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/round"
	"github.com/lox/pitboss/internal/settlement"
)

// Config represents the complete server configuration
type Config struct {
	Server     *ServerSettings     `hcl:"server,block"`
	Accounts   *AccountSettings    `hcl:"accounts,block"`
	Journal    *JournalSettings    `hcl:"journal,block"`
	Settlement *SettlementSettings `hcl:"settlement,block"`
	Rooms      []RoomConfig        `hcl:"room,block"`
}

// ServerSettings contains listener and transport configuration
type ServerSettings struct {
	Address    string `hcl:"address,optional"`
	Port       int    `hcl:"port,optional"`
	LogLevel   string `hcl:"log_level,optional"`
	JWTSecret  string `hcl:"jwt_secret,optional"`
	SendBuffer int    `hcl:"send_buffer,optional"`
}

// AccountSettings selects the account store
type AccountSettings struct {
	Backend         string `hcl:"backend,optional"`
	RedisAddr       string `hcl:"redis_addr,optional"`
	RedisPassword   string `hcl:"redis_password,optional"`
	RedisDB         int    `hcl:"redis_db,optional"`
	KeyPrefix       string `hcl:"key_prefix,optional"`
	StartingBalance int64  `hcl:"starting_balance,optional"`
}

// JournalSettings selects where rounds and owed credits are recorded
type JournalSettings struct {
	Backend string `hcl:"backend,optional"`
	Path    string `hcl:"path,optional"`
	DSN     string `hcl:"dsn,optional"`
}

// SettlementSettings tunes crediting
type SettlementSettings struct {
	CreditBudgetMs    int    `hcl:"credit_budget_ms,optional"`
	MaxAttempts       int    `hcl:"max_attempts,optional"`
	BackoffMs         int    `hcl:"backoff_ms,optional"`
	ReconcileSchedule string `hcl:"reconcile_schedule,optional"`
}

// RoomConfig defines the games a room runs
type RoomConfig struct {
	Name      string         `hcl:"name,label"`
	ColorGame *VariantConfig `hcl:"color_game,block"`
	Roulette  *VariantConfig `hcl:"roulette,block"`
}

// VariantConfig holds phase timings in seconds
type VariantConfig struct {
	Betting  int `hcl:"betting,optional"`
	Locked   int `hcl:"locked,optional"`
	Drawing  int `hcl:"drawing,optional"`
	Settling int `hcl:"settling,optional"`
	Pockets  int `hcl:"pockets,optional"`
}

// Account, journal and HTTP defaults.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendPostgres = "postgres"

	defaultSendBuffer = 256
)

// DefaultConfig returns default server configuration: one room running both
// games against in-memory storage.
func DefaultConfig() *Config {
	cfg := &Config{
		Rooms: []RoomConfig{
			{Name: "main", ColorGame: &VariantConfig{}, Roulette: &VariantConfig{}},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from an HCL file. A missing file yields
// DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	if len(config.Rooms) == 0 {
		config.Rooms = DefaultConfig().Rooms
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerSettings{}
	}
	if c.Server.Address == "" {
		c.Server.Address = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = defaultSendBuffer
	}

	if c.Accounts == nil {
		c.Accounts = &AccountSettings{}
	}
	if c.Accounts.Backend == "" {
		c.Accounts.Backend = BackendMemory
	}
	if c.Accounts.StartingBalance == 0 {
		c.Accounts.StartingBalance = account.DefaultStartingBalance
	}

	if c.Journal == nil {
		c.Journal = &JournalSettings{}
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = BackendMemory
	}
	if c.Journal.Backend == BackendFile && c.Journal.Path == "" {
		c.Journal.Path = "pitboss-journal.json"
	}

	if c.Settlement == nil {
		c.Settlement = &SettlementSettings{}
	}
	payer := settlement.DefaultPayerConfig()
	if c.Settlement.CreditBudgetMs == 0 {
		c.Settlement.CreditBudgetMs = int(settlement.DefaultCreditBudget / time.Millisecond)
	}
	if c.Settlement.MaxAttempts == 0 {
		c.Settlement.MaxAttempts = payer.MaxAttempts
	}
	if c.Settlement.BackoffMs == 0 {
		c.Settlement.BackoffMs = int(payer.Backoff / time.Millisecond)
	}
	if c.Settlement.ReconcileSchedule == "" {
		c.Settlement.ReconcileSchedule = settlement.DefaultReconcileSchedule
	}

	for i := range c.Rooms {
		room := &c.Rooms[i]
		if room.ColorGame != nil {
			room.ColorGame.applyDefaults(game.NameColorGame)
		}
		if room.Roulette != nil {
			room.Roulette.applyDefaults(game.NameRoulette)
		}
	}
}

func (v *VariantConfig) applyDefaults(name game.Name) {
	def := round.DefaultDurations(name)
	if v.Betting == 0 {
		v.Betting = def.Betting
	}
	if v.Locked == 0 {
		v.Locked = def.Locked
	}
	if v.Drawing == 0 {
		v.Drawing = def.Drawing
	}
	if v.Settling == 0 {
		v.Settling = def.Settling
	}
	if name == game.NameRoulette && v.Pockets == 0 {
		v.Pockets = game.EuropeanPockets
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.SendBuffer < 1 {
		return fmt.Errorf("send buffer must be positive, got %d", c.Server.SendBuffer)
	}

	switch c.Accounts.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Accounts.RedisAddr == "" {
			return fmt.Errorf("accounts: redis backend requires redis_addr")
		}
	default:
		return fmt.Errorf("accounts: unknown backend %q", c.Accounts.Backend)
	}
	if c.Accounts.StartingBalance < 0 {
		return fmt.Errorf("accounts: starting balance must not be negative")
	}

	switch c.Journal.Backend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal: postgres backend requires dsn")
		}
	default:
		return fmt.Errorf("journal: unknown backend %q", c.Journal.Backend)
	}

	if c.Settlement.CreditBudgetMs < 1 || c.Settlement.BackoffMs < 1 || c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("settlement: budget, backoff and attempts must be positive")
	}

	if len(c.Rooms) == 0 {
		return fmt.Errorf("at least one room must be configured")
	}

	seen := make(map[string]bool)
	for _, room := range c.Rooms {
		if room.Name == "" {
			return fmt.Errorf("room name must not be empty")
		}
		if seen[room.Name] {
			return fmt.Errorf("room %s: defined more than once", room.Name)
		}
		seen[room.Name] = true

		if room.ColorGame == nil && room.Roulette == nil {
			return fmt.Errorf("room %s: no games configured", room.Name)
		}
		if room.ColorGame != nil {
			if err := room.ColorGame.durations().Validate(false); err != nil {
				return fmt.Errorf("room %s color_game: %w", room.Name, err)
			}
		}
		if room.Roulette != nil {
			if err := room.Roulette.durations().Validate(true); err != nil {
				return fmt.Errorf("room %s roulette: %w", room.Name, err)
			}
			if p := room.Roulette.Pockets; p != game.EuropeanPockets && p != game.AmericanPockets {
				return fmt.Errorf("room %s roulette: pockets must be %d or %d, got %d",
					room.Name, game.EuropeanPockets, game.AmericanPockets, p)
			}
		}
	}

	return nil
}

func (v *VariantConfig) durations() round.Durations {
	return round.Durations{
		Betting:  v.Betting,
		Locked:   v.Locked,
		Drawing:  v.Drawing,
		Settling: v.Settling,
	}
}

// GetServerAddress returns the full listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// EngineSpec is one engine the configuration asks for.
type EngineSpec struct {
	Key       round.Key
	Variant   game.Variant
	Durations round.Durations
}

// Engines expands the room blocks into engine specs, color game before
// roulette within each room.
func (c *Config) Engines() ([]EngineSpec, error) {
	var specs []EngineSpec
	for _, room := range c.Rooms {
		for _, entry := range []struct {
			name game.Name
			cfg  *VariantConfig
		}{
			{game.NameColorGame, room.ColorGame},
			{game.NameRoulette, room.Roulette},
		} {
			if entry.cfg == nil {
				continue
			}
			variant, err := game.New(entry.name, entry.cfg.Pockets)
			if err != nil {
				return nil, fmt.Errorf("room %s: %w", room.Name, err)
			}
			specs = append(specs, EngineSpec{
				Key:       round.Key{Room: room.Name, Variant: entry.name},
				Variant:   variant,
				Durations: entry.cfg.durations(),
			})
		}
	}
	return specs, nil
}

// PayerConfig returns the retry settings for the settlement payer.
func (c *Config) PayerConfig() settlement.PayerConfig {
	cfg := settlement.DefaultPayerConfig()
	cfg.MaxAttempts = c.Settlement.MaxAttempts
	cfg.Backoff = time.Duration(c.Settlement.BackoffMs) * time.Millisecond
	return cfg
}

// CreditBudget returns how long settlement may wait on the account store
// inside a tick.
func (c *Config) CreditBudget() time.Duration {
	return time.Duration(c.Settlement.CreditBudgetMs) * time.Millisecond
}
