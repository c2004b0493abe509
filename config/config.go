package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed default.toml
var defaultConfig []byte

var ErrUnknownDeployment = errors.New("config: there is no such privacyVault instance")

type Config struct {
	Rpc              string       `toml:"rpc"`
	MerkleTreeHeight uint32       `toml:"merkle_tree_height"`
	Hasher           string       `toml:"hasher"`
	ZeroValue        string       `toml:"zero_value"`
	RedisURL         string       `toml:"redis_url"`
	Confirmation     Confirmation `toml:"confirmation"`
	Prover           Prover       `toml:"prover"`
	Cache            Cache        `toml:"cache"`

	// Networks maps "netId<N>" to currency deployments.
	Networks map[string]map[string]Deployment `toml:"networks"`

	// PrivateKey is only ever read from the environment.
	PrivateKey string `toml:"-"`
}

type Confirmation struct {
	Attempts int      `toml:"attempts"`
	Interval Duration `toml:"interval"`
}

type Prover struct {
	KeysDir string `toml:"keys_dir"`
	URL     string `toml:"url"`
}

type Cache struct {
	Dir string `toml:"dir"`
}

type Deployment struct {
	InstanceAddress string `toml:"instance_address"`
	TokenAddress    string `toml:"token_address"`
	Symbol          string `toml:"symbol"`
	Decimals        int32  `toml:"decimals"`
	DeployedBlock   uint64 `toml:"deployed_block"`
}

// Native reports whether the deployment holds the chain's native currency.
func (d Deployment) Native() bool {
	return d.TokenAddress == ""
}

func (d Deployment) Instance() common.Address {
	return common.HexToAddress(d.InstanceAddress)
}

func (d Deployment) Token() *common.Address {
	if d.Native() {
		return nil
	}
	token := common.HexToAddress(d.TokenAddress)
	return &token
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the embedded configuration.
func Default() Config {
	var cfg Config
	if err := toml.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Sprintf("invalid embedded config: %v", err))
	}
	return cfg
}

// ReadConfig reads a TOML file on top of the embedded defaults.
func ReadConfig(file string) (Config, error) {
	cfg := Default()
	configFileData, err := os.ReadFile(file)
	if err != nil {
		return cfg, err
	}
	err = toml.Unmarshal(configFileData, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnv loads a .env file when present. Variables already set in the process
// environment win.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides file values with PRIVATE_KEY, MERKLE_TREE_HEIGHT, RPC_URL and REDIS_URL.
func (cfg *Config) ApplyEnv() error {
	if key := os.Getenv("PRIVATE_KEY"); key != "" {
		cfg.PrivateKey = strings.TrimPrefix(key, "0x")
	}
	if height := os.Getenv("MERKLE_TREE_HEIGHT"); height != "" {
		h, err := strconv.ParseUint(height, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid MERKLE_TREE_HEIGHT %q: %w", height, err)
		}
		cfg.MerkleTreeHeight = uint32(h)
	}
	if rpc := os.Getenv("RPC_URL"); rpc != "" {
		cfg.Rpc = rpc
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	return nil
}

func (cfg *Config) Validate() error {
	if cfg.MerkleTreeHeight == 0 || cfg.MerkleTreeHeight > 32 {
		return fmt.Errorf("merkle_tree_height must be in [1, 32], got %d", cfg.MerkleTreeHeight)
	}
	if cfg.Confirmation.Attempts <= 0 {
		return fmt.Errorf("confirmation.attempts must be positive, got %d", cfg.Confirmation.Attempts)
	}
	if cfg.Confirmation.Interval.Duration <= 0 {
		return fmt.Errorf("confirmation.interval must be positive, got %s", cfg.Confirmation.Interval)
	}
	for netKey, deployments := range cfg.Networks {
		for currency, d := range deployments {
			if d.InstanceAddress != "" && !common.IsHexAddress(d.InstanceAddress) {
				return fmt.Errorf("%s.%s: invalid instance address %q", netKey, currency, d.InstanceAddress)
			}
			if d.TokenAddress != "" && !common.IsHexAddress(d.TokenAddress) {
				return fmt.Errorf("%s.%s: invalid token address %q", netKey, currency, d.TokenAddress)
			}
		}
	}
	return nil
}

// Deployment looks up the vault instance for a network and currency.
func (cfg *Config) Deployment(netID uint64, currency string) (Deployment, error) {
	deployments, ok := cfg.Networks[fmt.Sprintf("netId%d", netID)]
	if !ok {
		return Deployment{}, fmt.Errorf("%w: network %d", ErrUnknownDeployment, netID)
	}
	d, ok := deployments[strings.ToLower(currency)]
	if !ok || d.InstanceAddress == "" {
		return Deployment{}, fmt.Errorf("%w: %s on network %d", ErrUnknownDeployment, currency, netID)
	}
	return d, nil
}

// SetDeployment registers or replaces a deployment, e.g. for a local chain.
func (cfg *Config) SetDeployment(netID uint64, currency string, d Deployment) {
	if cfg.Networks == nil {
		cfg.Networks = make(map[string]map[string]Deployment)
	}
	key := fmt.Sprintf("netId%d", netID)
	if cfg.Networks[key] == nil {
		cfg.Networks[key] = make(map[string]Deployment)
	}
	cfg.Networks[key][strings.ToLower(currency)] = d
}
