// gmine is a proof-of-work miner for the mining contract: it searches for
// drillx solutions, commits and reveals them each epoch, and claims the
// resulting rewards.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/gelotto/gmine/chain"
	"github.com/gelotto/gmine/miner"
	"github.com/gelotto/gmine/signer"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable chain
// error, 124 the configured mining duration elapsed.
const (
	exitConfig   = 1
	exitChain    = 2
	exitDuration = 124
)

// network bundles the per-network chain parameters.
type network struct {
	chainID    string
	ethChainID int64
	lcdURL     string
	contract   string
}

var networks = map[string]network{
	"mainnet": {
		chainID:    "injective-1",
		ethChainID: 1,
		lcdURL:     "https://sentry.lcd.injective.network:443",
		contract:   "inj1mfspdcjr4ww5en3xqxmgmlkyflslxmcyzga2dz",
	},
	"testnet": {
		chainID:    "injective-888",
		ethChainID: 5,
		lcdURL:     "https://testnet.sentry.lcd.injective.network:443",
		contract:   "inj1e6pg9hgkh3w9dzpvl9mdr8urxc2kwwx78rgt6r",
	},
}

var (
	mnemonicFlag = &cli.StringFlag{
		Name:    "mnemonic",
		Usage:   "BIP-39 mnemonic of the mining account",
		EnvVars: []string{"MNEMONIC"},
	}
	workersFlag = &cli.UintFlag{
		Name:  "workers",
		Usage: "number of parallel search workers",
		Value: uint(runtime.NumCPU()),
	}
	networkFlag = &cli.StringFlag{
		Name:  "network",
		Usage: `chain to mine on ("mainnet" or "testnet")`,
		Value: "mainnet",
	}
	bufferFlag = &cli.Uint64Flag{
		Name:  "submission-buffer-blocks",
		Usage: "blocks of safety margin before a phase boundary",
		Value: miner.DefaultSubmissionBuffer,
	}
	stateFileFlag = &cli.StringFlag{
		Name:  "state-file",
		Usage: "path of the durable miner state",
		Value: "gmine-state.json",
	}
	contractFlag = &cli.StringFlag{
		Name:  "contract",
		Usage: "mining contract address (overrides the network default)",
	}
	gasPriceFlag = &cli.Uint64Flag{
		Name:  "gas-price",
		Usage: "gas price in inj base units",
		Value: 160_000_000,
	}
	signerFlag = &cli.StringFlag{
		Name:  "signer",
		Usage: `transaction signer ("native" or "sidecar")`,
		Value: "native",
	}
	sidecarURLFlag = &cli.StringFlag{
		Name:  "sidecar-url",
		Usage: "base URL of the signing sidecar (with --signer=sidecar)",
		Value: "http://127.0.0.1:9000",
	}
	durationFlag = &cli.DurationFlag{
		Name:  "duration",
		Usage: "stop mining after this long (0 = run until interrupted)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: int(log.LvlInfo),
	}
)

func main() {
	app := &cli.App{
		Name:           "gmine",
		Usage:          "proof-of-work miner for the on-chain mining contract",
		DefaultCommand: "mine",
		Commands: []*cli.Command{
			{
				Name:  "mine",
				Usage: "search for solutions and submit them every epoch",
				Flags: []cli.Flag{
					mnemonicFlag, workersFlag, networkFlag, bufferFlag,
					stateFileFlag, contractFlag, gasPriceFlag, signerFlag,
					sidecarURLFlag, durationFlag, verbosityFlag,
				},
				Action: mine,
			},
		},
	}
	// cli handles ExitCoder errors itself; anything else is a configuration
	// problem.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitConfig)
	}
}

func mine(c *cli.Context) error {
	setupLogging(c.Int(verbosityFlag.Name))

	net, ok := networks[c.String(networkFlag.Name)]
	if !ok {
		return cli.Exit(fmt.Sprintf("unknown network %q", c.String(networkFlag.Name)), exitConfig)
	}
	contract := net.contract
	if v := c.String(contractFlag.Name); v != "" {
		contract = v
	}
	mnemonic := c.String(mnemonicFlag.Name)
	if mnemonic == "" {
		return cli.Exit("no mnemonic: pass --mnemonic or set MNEMONIC", exitConfig)
	}

	var (
		sig signer.Signer
		err error
	)
	switch c.String(signerFlag.Name) {
	case "native":
		sig, err = signer.NewNative(mnemonic)
		if err != nil {
			return cli.Exit(err.Error(), exitConfig)
		}
	case "sidecar":
		sig, err = signer.NewSidecar(c.String(sidecarURLFlag.Name))
		if err != nil {
			return cli.Exit(err.Error(), exitChain)
		}
	default:
		return cli.Exit(fmt.Sprintf("unknown signer %q", c.String(signerFlag.Name)), exitConfig)
	}
	log.Info("Mining account ready", "address", sig.Address(), "network", c.String(networkFlag.Name), "contract", contract)

	durable, err := miner.LoadState(c.String(stateFileFlag.Name))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	client := chain.NewClient(net.lcdURL, contract)
	gasPrice := new(big.Int).SetUint64(c.Uint64(gasPriceFlag.Name))
	bc := chain.NewBroadcaster(client, sig, net.chainID, net.ethChainID, gasPrice)
	bc.SetAccount(durable.AccountNumber, durable.AccountSequence)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := c.Duration(durationFlag.Name); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := refreshWithRetry(ctx, bc); err != nil {
		return cli.Exit(fmt.Sprintf("chain unreachable: %v", err), exitChain)
	}

	m, err := miner.New(miner.Config{
		Workers:          uint32(c.Uint(workersFlag.Name)),
		SubmissionBuffer: c.Uint64(bufferFlag.Name),
		StateFile:        c.String(stateFileFlag.Name),
	}, sig.AddressBytes(), newClock(ctx, client), bc, durable)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	err = m.Run(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.Info("Mining duration elapsed, shutting down")
		return cli.Exit("", exitDuration)
	case errors.Is(err, context.Canceled), err == nil:
		log.Info("Shutting down")
		return nil
	default:
		return cli.Exit(err.Error(), exitChain)
	}
}

// newClock starts the chain clock and hands its observation stream to the
// orchestrator.
func newClock(ctx context.Context, client *chain.Client) <-chan chain.Observation {
	clock := chain.NewClock(client)
	go clock.Run(ctx)
	return clock.C()
}

// refreshWithRetry gives the initial account fetch a few attempts before
// declaring the chain unreachable.
func refreshWithRetry(ctx context.Context, bc *chain.Broadcaster) error {
	backoff := chain.NewExponential(time.Second, 8*time.Second, 0)
	var err error
	for i := 0; i < 4; i++ {
		if err = bc.Refresh(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff.NextDuration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func setupLogging(verbosity int) {
	usecolor := false
	if st, err := os.Stderr.Stat(); err == nil {
		usecolor = st.Mode()&os.ModeCharDevice != 0 && os.Getenv("TERM") != "dumb"
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(verbosity),
		log.StreamHandler(os.Stderr, log.TerminalFormat(usecolor))))
}
