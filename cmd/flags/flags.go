// Package flags holds the command line flags and setup helpers shared by the binaries.
package flags

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/peerproof/referral-registry/common"
	"github.com/peerproof/referral-registry/httpserver"
)

// LoadDotEnv loads variables from the given .env files (default ".env") into
// the environment before flags are parsed. Missing files are ignored; set
// variables are never overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var IssuerFlag = &cli.StringFlag{
	Name:    "issuer",
	EnvVars: []string{"PEERPROOF_ISSUER"},
	Usage:   "address of the trusted attestation issuer (0x-prefixed, 40 hex chars)",
}

var AdminFlag = &cli.StringFlag{
	Name:    "admin",
	EnvVars: []string{"PEERPROOF_ADMIN"},
	Usage:   "address allowed to rotate the issuer and revoke records",
}

var ServerAddrFlag = &cli.StringFlag{
	Name:    "server",
	EnvVars: []string{"PEERPROOF_SERVER"},
	Value:   "http://127.0.0.1:8080",
	Usage:   "registry server base URL",
}

var RpcAddrFlag = &cli.StringFlag{
	Name:    "rpc-addr",
	EnvVars: []string{"PEERPROOF_RPC_ADDR"},
	Usage:   "Ethereum RPC to anchor records on chain; anchoring is disabled when empty",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	EnvVars: []string{"PEERPROOF_LISTEN_ADDR"},
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	EnvVars: []string{"PEERPROOF_LOG_JSON"},
	Value:   false,
	Usage:   "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	EnvVars: []string{"PEERPROOF_LOG_DEBUG"},
	Value:   false,
	Usage:   "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	EnvVars: []string{"PEERPROOF_DRAIN_SECONDS"},
	Value:   45,
	Usage:   "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	EnvVars: []string{"PEERPROOF_METRICS_ADDR"},
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
	ListenAddrFlag,
}, LogFlags...)
