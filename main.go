package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	gnarkLogger "github.com/consensys/gnark/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/zyfrank/privacy-vault/audit"
	"github.com/zyfrank/privacy-vault/config"
	"github.com/zyfrank/privacy-vault/eventstore"
	"github.com/zyfrank/privacy-vault/hasher"
	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/ledger/evm"
	"github.com/zyfrank/privacy-vault/logging"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
	"github.com/zyfrank/privacy-vault/note"
	"github.com/zyfrank/privacy-vault/prover"
	"github.com/zyfrank/privacy-vault/resolver"
	"github.com/zyfrank/privacy-vault/server"
	"github.com/zyfrank/privacy-vault/vault"
)

func main() {
	runCli()
}

func runCli() {
	gnarkLogger.Set(*logging.Logger())
	app := cli.App{
		Name:                 "privacy-vault",
		Usage:                "deposit into and spend from a privacyVault instance",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc", Usage: "ledger RPC endpoint", Value: "http://localhost:8545"},
			&cli.StringFlag{Name: "config", Usage: "TOML config file on top of the embedded defaults"},
			&cli.StringFlag{Name: "env-file", Usage: ".env file with PRIVATE_KEY and friends", Value: ".env"},
			&cli.StringFlag{Name: "keys-dir", Usage: "directory where proving key files are stored"},
			&cli.StringFlag{Name: "prover-url", Usage: "remote prover service; proofs are generated locally when empty"},
			&cli.StringFlag{Name: "cache-dir", Usage: "directory for the event cache; no cache when empty"},
			&cli.BoolFlag{Name: "json-logging", Usage: "enable JSON logging"},
			&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Value: "info"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("json-logging") {
				logging.SetJSONOutput()
			}
			return logging.SetLevel(c.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:      "deposit",
				Usage:     "deposit an amount and print the note string",
				ArgsUsage: "<currency> <amount>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.ShowCommandHelp(c, "deposit")
					}
					env, err := openEnv(c, c.Args().Get(0))
					if err != nil {
						return err
					}
					defer env.Close()

					amount, err := note.FromDecimals(c.Args().Get(1), env.deployment.Decimals)
					if err != nil {
						return err
					}
					result, err := env.session.Deposit(c.Context, amount)
					if err != nil {
						return err
					}
					logging.Logger().Info().
						Str("tx", result.TxHash.Hex()).
						Uint64("block", result.Receipt.BlockNumber).
						Msg("deposit mined")
					fmt.Printf("Your note: %s\n", result.NoteString)
					return nil
				},
			},
			{
				Name:      "spend",
				Usage:     "spend part or all of a note to a recipient",
				ArgsUsage: "<note> <recipient> <amount>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return cli.ShowCommandHelp(c, "spend")
					}
					noteString := c.Args().Get(0)
					recipient := c.Args().Get(1)
					if !common.IsHexAddress(recipient) {
						return fmt.Errorf("invalid recipient address %q", recipient)
					}
					currency, err := noteCurrency(noteString)
					if err != nil {
						return err
					}
					env, err := openEnv(c, currency)
					if err != nil {
						return err
					}
					defer env.Close()

					ns, err := env.session.ParseNote(noteString)
					if err != nil {
						return err
					}
					amount, err := note.FromDecimals(c.Args().Get(2), env.deployment.Decimals)
					if err != nil {
						return err
					}
					result, err := env.session.Spend(c.Context, vault.SpendRequest{
						Note:      ns.Note,
						Recipient: common.HexToAddress(recipient),
						Amount:    amount,
					})
					if err != nil {
						return err
					}
					logging.Logger().Info().Str("tx", result.TxHash.Hex()).Msg("spend mined")
					if result.ChangeNote != nil {
						fmt.Printf("Your change note: %s\n", result.ChangeNoteString)
					}
					return nil
				},
			},
			{
				Name:      "test",
				Usage:     "deposit an amount, spend half of it and then spend the change back to the sender",
				ArgsUsage: "<currency> <amount>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.ShowCommandHelp(c, "test")
					}
					env, err := openEnv(c, c.Args().Get(0))
					if err != nil {
						return err
					}
					defer env.Close()

					amount, err := note.FromDecimals(c.Args().Get(1), env.deployment.Decimals)
					if err != nil {
						return err
					}
					result, err := env.session.RoundTrip(c.Context, amount, env.ledger.From())
					if err != nil {
						return err
					}
					fmt.Printf("Deposit:       %s\n", result.Deposit.TxHash.Hex())
					fmt.Printf("Partial spend: %s\n", result.Partial.TxHash.Hex())
					fmt.Printf("Change spend:  %s\n", result.Change.TxHash.Hex())
					return nil
				},
			},
			{
				Name:      "balance",
				Usage:     "print the native or token balance of an account",
				ArgsUsage: "<address> [token_address]",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 || c.NArg() > 2 {
						return cli.ShowCommandHelp(c, "balance")
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					account := c.Args().Get(0)
					if !common.IsHexAddress(account) {
						return fmt.Errorf("invalid address %q", account)
					}
					var token *common.Address
					if c.NArg() == 2 {
						if !common.IsHexAddress(c.Args().Get(1)) {
							return fmt.Errorf("invalid token address %q", c.Args().Get(1))
						}
						t := common.HexToAddress(c.Args().Get(1))
						token = &t
					}
					l, err := evm.Dial(c.Context, cfg.Rpc, evm.Config{})
					if err != nil {
						return err
					}
					balance, err := l.Balance(c.Context, common.HexToAddress(account), token)
					if err != nil {
						return err
					}
					if token == nil {
						fmt.Printf("Balance: %s ETH\n", note.ToDecimals(balance, 18))
					} else {
						fmt.Printf("Token balance: %s\n", balance)
					}
					return nil
				},
			},
			{
				Name:      "compliance",
				Usage:     "print the public deposit and spend history of a note",
				ArgsUsage: "<note>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowCommandHelp(c, "compliance")
					}
					currency, err := noteCurrency(c.Args().Get(0))
					if err != nil {
						return err
					}
					env, err := openEnv(c, currency)
					if err != nil {
						return err
					}
					defer env.Close()

					ns, err := env.session.ParseNote(c.Args().Get(0))
					if err != nil {
						return err
					}
					auditor := audit.New(env.events, env.ledger, audit.WithStartBlock(env.deployment.DeployedBlock))
					report, err := auditor.AuditNote(c.Context, ns.Note)
					if err != nil {
						return err
					}
					printReport(report, ns, env.deployment.Decimals)
					return nil
				},
			},
			{
				Name:  "setup",
				Usage: "compile a circuit and write its proving system",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "circuit", Usage: "type of circuit (\"spend\" / \"commitment\")", Required: true},
					&cli.UintFlag{Name: "tree-height", Usage: "[spend]: merkle tree height", Value: 20},
					&cli.StringFlag{Name: "output", Usage: "output directory", Value: "./proving-keys/"},
				},
				Action: func(c *cli.Context) error {
					circuit := prover.CircuitType(c.String("circuit"))
					treeHeight := uint32(c.Uint("tree-height"))

					logging.Logger().Info().Str("circuit", string(circuit)).Msg("running setup")
					var ps *prover.ProvingSystem
					var err error
					switch circuit {
					case prover.SpendCircuitType:
						if treeHeight == 0 {
							return fmt.Errorf("tree height must be provided for the spend circuit")
						}
						ps, err = prover.SetupSpend(treeHeight)
					case prover.CommitmentCircuitType:
						ps, err = prover.SetupCommitment()
					default:
						return fmt.Errorf("invalid circuit type %s", circuit)
					}
					if err != nil {
						return err
					}

					if err := os.MkdirAll(c.String("output"), 0755); err != nil {
						return err
					}
					path := filepath.Join(c.String("output"), prover.KeyFileName(circuit, treeHeight))
					if err := prover.WriteProvingSystem(ps, path); err != nil {
						return err
					}
					logging.Logger().Info().Str("file", path).Msg("setup completed successfully")
					return nil
				},
			},
			{
				Name:  "prove",
				Usage: "read a proof request from stdin and print the proof",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "tree-height", Usage: "merkle tree height of the spend keys", Value: 20},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					systems, err := prover.LoadKeys(cfg.Prover.KeysDir, uint32(c.Uint("tree-height")))
					if err != nil {
						return err
					}

					logging.Logger().Info().Msg("reading params from stdin")
					inputsBytes, err := io.ReadAll(os.Stdin)
					if err != nil {
						return err
					}
					witness, err := prover.ParseWitness(inputsBytes)
					if err != nil {
						return err
					}
					proof, err := prover.NewLocalBackend(systems...).Prove(c.Context, witness)
					if err != nil {
						return err
					}
					out, err := json.Marshal(proof)
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
			{
				Name:  "start",
				Usage: "run the prover service",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prover-address", Usage: "address for the prover server", Value: "0.0.0.0:3001"},
					&cli.StringFlag{Name: "metrics-address", Usage: "address for the metrics server", Value: "0.0.0.0:9998"},
					&cli.StringFlag{Name: "redis-url", Usage: "Redis URL for queue processing (e.g., redis://localhost:6379)"},
					&cli.DurationFlag{Name: "proof-timeout", Usage: "timeout of a synchronous proof request", Value: 5 * time.Minute},
					&cli.BoolFlag{Name: "queue-only", Usage: "run only the queue worker (no HTTP server)"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					systems, err := prover.LoadKeys(cfg.Prover.KeysDir, cfg.MerkleTreeHeight)
					if err != nil {
						return err
					}
					backend := prover.NewLocalBackend(systems...)

					redisURL := c.String("redis-url")
					if redisURL == "" {
						redisURL = cfg.RedisURL
					}
					queueOnly := c.Bool("queue-only")
					if queueOnly && redisURL == "" {
						return fmt.Errorf("Redis URL is required for queue mode. Use --redis-url or set REDIS_URL environment variable")
					}

					var redisQueue *server.RedisQueue
					var worker *server.ProofQueueWorker
					if redisURL != "" {
						redisQueue, err = server.NewRedisQueue(redisURL)
						if err != nil {
							return fmt.Errorf("failed to connect to Redis: %w", err)
						}
						if stats, err := redisQueue.GetQueueStats(); err == nil {
							logging.Logger().Info().Interface("initial_queue_stats", stats).Msg("Redis connection successful")
						}
						worker = server.NewProofQueueWorker(redisQueue, backend)
						go worker.Start()
					}

					var instance server.RunningJob
					if !queueOnly {
						instance = server.Run(&server.Config{
							ProverAddress:  c.String("prover-address"),
							MetricsAddress: c.String("metrics-address"),
							ProofTimeout:   c.Duration("proof-timeout"),
						}, backend, redisQueue)
					}

					sigint := make(chan os.Signal, 1)
					signal.Notify(sigint, os.Interrupt)
					<-sigint
					logging.Logger().Info().Msg("received sigint, shutting down")

					if worker != nil {
						worker.Stop()
					}
					if !queueOnly {
						instance.RequestStop()
						instance.AwaitStop()
					}
					logging.Logger().Info().Msg("shutdown completed")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Logger().Fatal().Err(err).Msg("App failed.")
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	if err := config.LoadEnv(c.String("env-file")); err != nil {
		return config.Config{}, err
	}
	cfg := config.Default()
	if file := c.String("config"); file != "" {
		var err error
		if cfg, err = config.ReadConfig(file); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if c.IsSet("rpc") || cfg.Rpc == "" {
		cfg.Rpc = c.String("rpc")
	}
	if dir := c.String("keys-dir"); dir != "" {
		cfg.Prover.KeysDir = dir
	}
	if url := c.String("prover-url"); url != "" {
		cfg.Prover.URL = url
	}
	if dir := c.String("cache-dir"); dir != "" {
		cfg.Cache.Dir = dir
	}
	return cfg, cfg.Validate()
}

// noteCurrency reads the currency field of a note string before a session
// exists to parse it fully.
func noteCurrency(noteString string) (string, error) {
	parts := strings.Split(noteString, "-")
	if len(parts) != 5 || parts[0] != note.ProtocolTag {
		return "", note.ErrInvalidFormat
	}
	return parts[1], nil
}

// environment is a session bound to one deployment, plus what must be closed
// afterwards.
type environment struct {
	cfg        config.Config
	deployment config.Deployment
	ledger     *evm.Ledger
	events     ledger.EventSource
	session    *vault.Session
	store      *eventstore.Store
}

func (env *environment) Close() {
	if env.store != nil {
		if err := env.store.Close(); err != nil {
			logging.Logger().Error().Err(err).Msg("error closing event cache")
		}
	}
}

func openEnv(c *cli.Context, currency string) (*environment, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Context

	probe, err := evm.Dial(ctx, cfg.Rpc, evm.Config{})
	if err != nil {
		return nil, err
	}
	netID, err := probe.NetworkID(ctx)
	if err != nil {
		return nil, err
	}
	deployment, err := cfg.Deployment(netID, currency)
	if err != nil {
		return nil, err
	}

	confirm := ledger.ConfirmOptions{
		MaxAttempts:  cfg.Confirmation.Attempts,
		PollInterval: cfg.Confirmation.Interval.Duration,
	}
	l, err := evm.Dial(ctx, cfg.Rpc, evm.Config{
		Vault:      deployment.Instance(),
		Token:      deployment.Token(),
		PrivateKey: cfg.PrivateKey,
		Confirm:    confirm,
	})
	if err != nil {
		return nil, err
	}

	h, err := hasher.ByName(cfg.Hasher)
	if err != nil {
		return nil, err
	}
	zeroValue := merkletree.DefaultZeroValue()
	if cfg.ZeroValue != "" {
		var ok bool
		if zeroValue, ok = new(big.Int).SetString(cfg.ZeroValue, 0); !ok {
			return nil, fmt.Errorf("invalid zero_value %q", cfg.ZeroValue)
		}
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg, deployment: deployment, ledger: l, events: l}
	if cfg.Cache.Dir != "" {
		store, err := eventstore.Open(filepath.Join(cfg.Cache.Dir, fmt.Sprintf("net%d", netID)))
		if err != nil {
			return nil, err
		}
		env.store = store
		env.events = eventstore.NewCachedSource(store, l, deployment.Instance(), deployment.DeployedBlock)
	}

	env.session = vault.NewSession(l, backend,
		vault.WithHasher(h),
		vault.WithNetwork(netID, currency, deployment.Decimals),
		vault.WithTree(int(cfg.MerkleTreeHeight), zeroValue),
		vault.WithConfirmOptions(confirm),
		vault.WithEventSource(env.events),
		vault.WithResolverOptions(resolver.WithCache(), resolver.WithStartBlock(deployment.DeployedBlock)),
	)
	return env, nil
}

func newBackend(cfg config.Config) (prover.Backend, error) {
	if cfg.Prover.URL != "" {
		return prover.NewRemoteBackend(cfg.Prover.URL), nil
	}
	systems, err := prover.LoadKeys(cfg.Prover.KeysDir, cfg.MerkleTreeHeight)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no proving keys in %s, run setup or pass --prover-url: %w", cfg.Prover.KeysDir, err)
		}
		return nil, err
	}
	return prover.NewLocalBackend(systems...), nil
}

func printReport(report *audit.Report, ns *note.NoteString, decimals int32) {
	fmt.Println("=============Note=================")
	fmt.Printf("Amount: %s %s\n", ns.Amount.String(), strings.ToUpper(ns.Currency))
	fmt.Println("=============Deposit=================")
	fmt.Println("Deposit     :", ns.Amount.String(), strings.ToUpper(ns.Currency))
	fmt.Println("Date        :", report.Deposit.Timestamp.UTC().Format(time.RFC1123))
	fmt.Println("From        :", report.Deposit.Depositor.Hex())
	fmt.Println("Transaction :", report.Deposit.TxHash.Hex())
	fmt.Println("Commitment  :", common.BigToHash(report.Deposit.Commitment).Hex())
	if !report.IsSpent {
		fmt.Println("The note was not spent")
		return
	}
	fmt.Println("=============Spend=================")
	fmt.Println("Date        :", report.Spend.Timestamp.UTC().Format(time.RFC1123))
	fmt.Println("To          :", report.Spend.To.Hex())
	fmt.Println("Transaction :", report.Spend.TxHash.Hex())
	fmt.Println("Fee         :", note.ToDecimals(report.Spend.Fee, decimals), strings.ToUpper(ns.Currency))
	fmt.Println("Nullifier   :", common.BigToHash(report.Spend.NullifierHash).Hex())
}
