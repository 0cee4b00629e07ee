// Command genvm is the executable GenVM host nodes invoke once per contract
// call (spec §6): it dials the host socket, assembles and runs exactly one
// VM spawn tree, and returns a single committed outcome. CLI wiring follows
// the only complete pack repo built on github.com/urfave/cli/v2
// (parthshah1-Filecoin-Antithesis's cmd/*/main.go, a flat single-App,
// single-Action command).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/fuel"
	"github.com/genlayerlabs/genvm/hostrpc"
	"github.com/genlayerlabs/genvm/message"
	"github.com/genlayerlabs/genvm/nondet"
	"github.com/genlayerlabs/genvm/runner"
	"github.com/genlayerlabs/genvm/supervisor"
	"github.com/genlayerlabs/genvm/wasmcache"
	"github.com/genlayerlabs/genvm/workerclient"
	"github.com/urfave/cli/v2"
)

func main() {
	if profile := os.Getenv("GENVM_PROFILE_PATH"); profile != "" {
		log.Info("genvm: build identity", "profile", profile)
	}

	app := &cli.App{
		Name:  "genvm",
		Usage: "execute a GenLayer smart contract call in a sandboxed wasm VM",
		Commands: []*cli.Command{
			runCommand(),
			precompileCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("genvm: fatal", "error", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "execute one top-level contract call against a host socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "message", Required: true, Usage: "JSON message envelope (spec §3)"},
			&cli.StringFlag{Name: "host", Required: true, Usage: "unix:// path or host:port of the host socket"},
			&cli.StringFlag{Name: "cookie", Usage: "correlation id forwarded to workers; random if absent"},
			&cli.BoolFlag{Name: "sync", Usage: "disable validator-branch nondet behavior"},
			&cli.StringFlag{Name: "permissions", Value: "rwscn", Usage: "5-character subset of \"r w s c n\""},
			&cli.StringFlag{Name: "host-data", Usage: "JSON forwarded verbatim to workers"},
			&cli.StringFlag{Name: "print", Usage: "comma-separated subset of result,fingerprint,stderr-full"},
			&cli.BoolFlag{Name: "allow-latest", Usage: "accept :latest/:test runner versions"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	msgData, err := message.ParseJSON([]byte(c.String("message")))
	if err != nil {
		return fmt.Errorf("genvm: %w", err)
	}

	caps, err := parsePermissions(c.String("permissions"))
	if err != nil {
		return fmt.Errorf("genvm: %w", err)
	}

	host, err := hostrpc.Dial(c.String("host"), 10*time.Second)
	if err != nil {
		return fmt.Errorf("genvm: %w", err)
	}
	defer host.Close()

	payload, err := host.GetCalldata()
	if err != nil {
		return fmt.Errorf("genvm: get-calldata: %w", err)
	}
	msgData.EntryPayload = payload

	code, err := host.GetCode(msgData.ContractAddress, message.StorageLatestFinal)
	if err != nil {
		return fmt.Errorf("genvm: get-code: %w", err)
	}

	cache, err := newCache()
	if err != nil {
		return fmt.Errorf("genvm: %w", err)
	}
	defer cache.Close(ctx)

	loader := runner.NewLoader(runnersDir()).
		WithAllowLatest(c.Bool("allow-latest")).
		WithVars(map[string]string{
			"chainId":         msgData.ChainID,
			"contractAddress": msgData.ContractAddress.String(),
		})

	initialFuel, err := host.RemainingFuelAsGen()
	if err != nil {
		return fmt.Errorf("genvm: remaining-fuel-as-gen: %w", err)
	}
	fuelDesc := fuel.NewDescriptor(initialFuel)

	var hostData json.RawMessage
	if raw := c.String("host-data"); raw != "" {
		hostData = json.RawMessage(raw)
	}
	workerPool := workerclient.NewPool(llmWorkerAddr(), webWorkerAddr(), c.String("cookie"), hostData)
	defer workerPool.Close()

	metrics := supervisor.NewMetrics(nil)

	nondetRunner := nondet.New(host)
	if c.Bool("sync") {
		nondetRunner = nondet.NewSync(host)
	}
	nondetRunner.WithVerdictHook(metrics.ObserveNondetVerdict)
	sup := supervisor.New(supervisor.Config{
		Cache:   cache,
		Loader:  loader,
		Host:    host,
		Fuel:    fuelDesc,
		Nondet:  nondetRunner,
		Worker:  workerPool,
		Metrics: metrics,
	})

	// A top-level call always begins in a deterministic frame; nondet
	// blocks and sandboxes are opened from inside the guest via gl_call,
	// not by the executable itself, per spec §4.H/§4.G.
	cfg := message.Config{
		Deterministic: true,
		Capabilities:  caps,
		View:          message.StorageLatestFinal,
		Sender:        msgData.SenderAddress,
		EntryPayload:  payload,
	}

	result, runErr := sup.Run(ctx, nil, code, msgData.ContractAddress, cfg)
	if runErr != nil {
		return fmt.Errorf("genvm: %w", runErr)
	}

	// consume-result is attempted even after cancellation (the timeout
	// outcome still has to reach the host, spec §5); the socket itself is
	// not bound to ctx, so this write survives a cancelled call. A failure
	// here is a host-communication problem and does not change the exit
	// code: the outcome was produced and the attempt was made (spec §6).
	resultBytes, fingerprint := encodeOutcome(result)
	if err := host.ConsumeResult(resultBytes, fingerprint); err != nil {
		log.Warn("genvm: consume-result failed", "error", err)
	}

	printSelected(c.String("print"), result, resultBytes, fingerprint)
	return nil
}

func encodeOutcome(result *supervisor.Result) (resultBytes, fingerprint []byte) {
	return calldata.Encode(result.AsCalldata()), result.Fingerprint
}

func printSelected(spec string, result *supervisor.Result, resultBytes, fingerprint []byte) {
	for _, field := range strings.Split(spec, ",") {
		switch strings.TrimSpace(field) {
		case "result":
			fmt.Printf("result: %s %x\n", result.Outcome, resultBytes)
		case "fingerprint":
			fmt.Printf("fingerprint: %x\n", fingerprint)
		case "stderr-full":
			fmt.Fprintf(os.Stderr, "outcome: %s message: %s\n", result.Outcome, result.Message)
		}
	}
}

func precompileCommand() *cli.Command {
	return &cli.Command{
		Name:  "precompile",
		Usage: "walk the runners directory and emit cached compiled artifacts",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			dir := runnersDir()
			entries, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("genvm: read runners dir %s: %w", dir, err)
			}
			// Precompiled artifacts only outlive this process through the
			// on-disk compilation cache, so precompile always uses one.
			cache, err := wasmcache.NewWithDir(cacheDir(), cacheCapacity())
			if err != nil {
				return fmt.Errorf("genvm: %w", err)
			}
			defer cache.Close(ctx)

			loader := runner.NewLoader(dir)
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
					continue
				}
				archive, err := os.ReadFile(dir + "/" + e.Name())
				if err != nil {
					log.Warn("precompile: read archive", "file", e.Name(), "error", err)
					continue
				}
				for _, flavor := range []runner.Flavor{runner.FlavorDet, runner.FlavorNondet} {
					img, err := loader.Load(archive, flavor, nil)
					if err != nil {
						log.Warn("precompile: assemble", "file", e.Name(), "flavor", flavor, "error", err)
						continue
					}
					rt := cache.NewRuntime(ctx)
					_, err = cache.Compile(ctx, rt, img.EntryWasm, flavor == runner.FlavorDet)
					rt.Close(ctx)
					if err != nil {
						log.Warn("precompile: compile", "file", e.Name(), "flavor", flavor, "error", err)
						continue
					}
					log.Info("precompile: cached", "file", e.Name(), "flavor", flavor)
				}
			}
			return nil
		},
	}
}

func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("genvm: received shutdown signal, cancelling in-flight call")
		cancel()
	}()
}

// parsePermissions decodes the --permissions flag (spec §6): a 5-character
// subset of "r w s c n" controlling the initial capability set (read
// storage, write storage, send messages, call others, spawn nondet).
func parsePermissions(s string) (message.Capabilities, error) {
	var caps message.Capabilities
	for _, r := range s {
		switch r {
		case 'r':
			caps.ReadStorage = true
		case 'w':
			caps.WriteStorage = true
		case 's':
			caps.SendMessages = true
		case 'c':
			caps.CallOthers = true
		case 'n':
			caps.SpawnNondet = true
		case ' ':
			continue
		default:
			return caps, fmt.Errorf("unknown permission flag %q", r)
		}
	}
	return caps, nil
}

func runnersDir() string {
	if v := os.Getenv("GENVM_RUNNERS_DIR"); v != "" {
		return v
	}
	return "runners"
}

func llmWorkerAddr() string { return os.Getenv("GENVM_LLM_WORKER_ADDR") }
func webWorkerAddr() string { return os.Getenv("GENVM_WEB_WORKER_ADDR") }

// newCache picks the on-disk compilation cache when one is configured (so a
// prior `genvm precompile` pays off) and an in-memory one otherwise.
func newCache() (*wasmcache.Cache, error) {
	if dir := os.Getenv("GENVM_CACHE_DIR"); dir != "" {
		return wasmcache.NewWithDir(dir, cacheCapacity())
	}
	return wasmcache.New(cacheCapacity())
}

func cacheDir() string {
	if v := os.Getenv("GENVM_CACHE_DIR"); v != "" {
		return v
	}
	return "cache"
}

func cacheCapacity() int {
	if v := os.Getenv("GENVM_MODULE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 256
}
