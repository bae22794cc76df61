package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transfer-watcher/pkg/ledger"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	optionAddr = &cli.StringFlag{
		Name:    "addr",
		Usage:   "listen address of the ledger JSON-RPC server",
		Value:   ":8080",
		EnvVars: []string{"DEVLEDGER_ADDR"},
	}
	optionEmulate = &cli.BoolFlag{
		Name:    "emulate",
		Usage:   "ingest a fake transfer every --emulate-interval",
		EnvVars: []string{"DEVLEDGER_EMULATE"},
	}
	optionEmulateInterval = &cli.DurationFlag{
		Name:  "emulate-interval",
		Usage: "interval between fake transfers",
		Value: 5 * time.Second,
	}
	optionLogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	}
)

func main() {
	app := &cli.App{
		Name:  "devledger",
		Usage: "In-memory transfer ledger for local runs of transfer-watcher",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Serve the ledger over HTTP JSON-RPC",
				Flags: []cli.Flag{
					optionAddr,
					optionEmulate,
					optionEmulateInterval,
					optionLogLevel,
				},
				Action: func(c *cli.Context) error {
					return start(c)
				},
			},
		}}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "exited with error: %v\n", err)
		os.Exit(1)
	}
}

func start(c *cli.Context) error {
	lvl, err := zerolog.ParseLevel(c.String(optionLogLevel.Name))
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	svc := ledger.NewService()
	rpcSrv, err := ledger.NewServer(svc)
	if err != nil {
		return err
	}
	defer rpcSrv.Stop()

	addr := c.String(optionAddr.Name)
	mux := http.NewServeMux()
	mux.Handle("/", rpcSrv)
	mux.Handle("/ws", rpcSrv.WebsocketHandler([]string{"*"}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	serverClosed := make(chan struct{})
	go func() {
		defer close(serverClosed)
		log.Info().Str("addr", addr).Msg("ledger listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ledger server failed")
			cancel()
		}
	}()

	var emulatorClosed <-chan struct{}
	if c.Bool(optionEmulate.Name) {
		em, err := newEmulator(ctx, "http://"+localAddr(addr), c.Duration(optionEmulateInterval.Name))
		if err != nil {
			return err
		}
		emulatorClosed = em.Start(ctx)
	} else {
		closed := make(chan struct{})
		close(closed)
		emulatorClosed = closed
	}

	interruptSigChan := make(chan os.Signal, 1)
	signal.Notify(interruptSigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-interruptSigChan:
	case <-ctx.Done():
	}
	fmt.Fprintf(c.App.Writer, "shutting down...\n")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down ledger server")
	}
	<-serverClosed
	<-emulatorClosed
	return nil
}

// localAddr turns a listen address like ":8080" into a dialable one.
func localAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
