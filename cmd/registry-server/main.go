package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/peerproof/referral-registry/anchor"
	"github.com/peerproof/referral-registry/cmd/flags"
	"github.com/peerproof/referral-registry/common"
	"github.com/peerproof/referral-registry/httpserver"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/metrics"
	"github.com/peerproof/referral-registry/notify"
	"github.com/peerproof/referral-registry/registry"
	"github.com/peerproof/referral-registry/storage"
	"github.com/peerproof/referral-registry/store"
)

var (
	storeFlag = &cli.StringFlag{
		Name:    "store",
		EnvVars: []string{"PEERPROOF_STORE"},
		Value:   "memory",
		Usage:   "record store: 'memory', 'postgres' or 'mongo'",
	}
	dbURLFlag = &cli.StringFlag{
		Name:    "db-url",
		EnvVars: []string{"PEERPROOF_DB_URL", "SUPABASE_DB_URL"},
		Usage:   "postgres connection string (store=postgres)",
	}
	dbSchemaFlag = &cli.StringFlag{
		Name:    "db-schema",
		EnvVars: []string{"PEERPROOF_DB_SCHEMA"},
		Usage:   "postgres schema for the registry tables",
	}
	mongoURIFlag = &cli.StringFlag{
		Name:    "mongo-uri",
		EnvVars: []string{"PEERPROOF_MONGO_URI"},
		Usage:   "mongo connection string (store=mongo), must reach a replica set",
	}
	mongoDatabaseFlag = &cli.StringFlag{
		Name:    "mongo-database",
		EnvVars: []string{"PEERPROOF_MONGO_DATABASE"},
		Value:   common.PackageName,
		Usage:   "mongo database name",
	}
	redisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		EnvVars: []string{"PEERPROOF_REDIS_URL"},
		Usage:   "publish events to a redis stream at this URL",
	}
	redisStreamFlag = &cli.StringFlag{
		Name:    "redis-stream",
		EnvVars: []string{"PEERPROOF_REDIS_STREAM"},
		Value:   notify.DefaultRedisStream,
		Usage:   "redis stream name",
	}
	redisMaxLenFlag = &cli.Int64Flag{
		Name:  "redis-stream-maxlen",
		Value: 100_000,
		Usage: "approximate cap on the redis stream length, 0 for unbounded",
	}
	kafkaBrokersFlag = &cli.StringFlag{
		Name:    "kafka-brokers",
		EnvVars: []string{"PEERPROOF_KAFKA_BROKERS"},
		Usage:   "comma separated kafka seed brokers to publish events to",
	}
	kafkaTopicFlag = &cli.StringFlag{
		Name:    "kafka-topic",
		EnvVars: []string{"PEERPROOF_KAFKA_TOPIC"},
		Value:   notify.DefaultKafkaTopic,
		Usage:   "kafka topic for registry events",
	}
	archiveFlag = &cli.StringSliceFlag{
		Name:    "archive",
		EnvVars: []string{"PEERPROOF_ARCHIVE"},
		Usage:   "archive events to a storage URI (file://, s3://, ipfs://, vault://); repeatable",
	}
	archiveTLSCertFlag = &cli.StringFlag{
		Name:    "archive-tls-cert",
		EnvVars: []string{"PEERPROOF_ARCHIVE_TLS_CERT"},
		Usage:   "PEM client certificate for vault archives without a token",
	}
	archiveTLSKeyFlag = &cli.StringFlag{
		Name:    "archive-tls-key",
		EnvVars: []string{"PEERPROOF_ARCHIVE_TLS_KEY"},
		Usage:   "PEM key for --archive-tls-cert",
	}
	anchorContractFlag = &cli.StringFlag{
		Name:    "anchor-contract",
		EnvVars: []string{"PEERPROOF_ANCHOR_CONTRACT"},
		Usage:   "address of the on-chain anchor contract (requires --rpc-addr)",
	}
	anchorKeyFlag = &cli.StringFlag{
		Name:    "anchor-key",
		EnvVars: []string{"PEERPROOF_ANCHOR_KEY"},
		Usage:   "hex private key used to send anchor transactions",
	}
	retroactiveWindowFlag = &cli.DurationFlag{
		Name:    "retroactive-window",
		EnvVars: []string{"PEERPROOF_RETROACTIVE_WINDOW"},
		Usage:   "grace period after a rotation during which the previous issuer's attestations are still accepted",
	}
	maxClockSkewFlag = &cli.DurationFlag{
		Name:    "max-clock-skew",
		EnvVars: []string{"PEERPROOF_MAX_CLOCK_SKEW"},
		Value:   5 * time.Minute,
		Usage:   "how far in the future an attestation's issue time may be",
	}
	queueSizeFlag = &cli.IntFlag{
		Name:  "event-queue-size",
		Value: 1024,
		Usage: "buffered events before new ones are dropped",
	}
	websocketFlag = &cli.BoolFlag{
		Name:    "websocket",
		EnvVars: []string{"PEERPROOF_WEBSOCKET"},
		Value:   true,
		Usage:   "serve the live event feed on /api/v1/events/ws",
	}
	wsAllowedOriginsFlag = &cli.StringSliceFlag{
		Name:    "ws-allowed-origins",
		EnvVars: []string{"PEERPROOF_WS_ALLOWED_ORIGINS"},
		Usage:   "cross-origin sites allowed on the event feed, e.g. https://app.example.com, or * for any",
	}
	deploymentIDFlag = &cli.StringFlag{
		Name:    "deployment-id",
		EnvVars: []string{"PEERPROOF_DEPLOYMENT_ID"},
		Usage:   "stable deployment identifier bound into signed revocations and rotations",
	}
)

func main() {
	if err := flags.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "registry-server",
		Usage: "Serve the referral registry API",
		Flags: append([]cli.Flag{
			flags.IssuerFlag,
			flags.AdminFlag,
			flags.RpcAddrFlag,
			storeFlag,
			dbURLFlag,
			dbSchemaFlag,
			mongoURIFlag,
			mongoDatabaseFlag,
			redisURLFlag,
			redisStreamFlag,
			redisMaxLenFlag,
			kafkaBrokersFlag,
			kafkaTopicFlag,
			archiveFlag,
			archiveTLSCertFlag,
			archiveTLSKeyFlag,
			anchorContractFlag,
			anchorKeyFlag,
			retroactiveWindowFlag,
			maxClockSkewFlag,
			queueSizeFlag,
			websocketFlag,
			wsAllowedOriginsFlag,
			deploymentIDFlag,
		}, flags.CommonFlags...),
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	issuerAddr, err := registry.ParseIssuer(cCtx.String(flags.IssuerFlag.Name))
	if err != nil {
		logger.Error("Refusing to start without an issuer", "err", err)
		return err
	}

	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithRetroactiveWindow(cCtx.Duration(retroactiveWindowFlag.Name)),
		registry.WithMaxClockSkew(cCtx.Duration(maxClockSkewFlag.Name)),
	}
	if adminHex := cCtx.String(flags.AdminFlag.Name); adminHex != "" {
		admin, err := interfaces.NewAddressFromHex(adminHex)
		if err != nil {
			return fmt.Errorf("invalid admin address: %w", err)
		}
		opts = append(opts, registry.WithAdmin(admin))
	}
	if deployment := cCtx.String(deploymentIDFlag.Name); deployment != "" {
		opts = append(opts, registry.WithDeployment(deployment))
	} else {
		logger.Warn("No deployment id configured, signed admin messages will not survive a restart")
	}

	metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
	if err != nil {
		return err
	}
	registryMetrics := metrics.NewRegistryMetrics(metricsSrv.Registerer(), common.PackageName)
	opts = append(opts, registry.WithMetrics(registryMetrics))

	recordStore, closeStore, err := openStore(ctx, cCtx, logger)
	if err != nil {
		logger.Error("Failed to open record store", "err", err)
		return err
	}
	defer closeStore()
	opts = append(opts, registry.WithStore(recordStore))

	var hub *notify.Hub
	if cCtx.Bool(websocketFlag.Name) {
		hub = notify.NewHub(logger, cCtx.StringSlice(wsAllowedOriginsFlag.Name)...)
		defer hub.Close()
	}

	sinks, closeSinks, err := openSinks(ctx, cCtx, logger, hub)
	if err != nil {
		logger.Error("Failed to set up event sinks", "err", err)
		return err
	}
	defer closeSinks()

	dispatcher := notify.NewDispatcher(logger, sinks,
		notify.WithMetrics(registryMetrics),
		notify.WithQueueSize(cCtx.Int(queueSizeFlag.Name)),
	)
	dispatcher.Start(ctx)
	opts = append(opts, registry.WithNotifier(dispatcher))

	reg, err := registry.Deploy(issuerAddr, opts...)
	if err != nil {
		logger.Error("Failed to deploy registry", "err", err)
		return err
	}
	logger.Info("Registry deployed", "issuer", issuerAddr.String(), "store", cCtx.String(storeFlag.Name), "sinks", len(sinks))

	cfg := flags.ConfigureServer(cCtx, logger)
	server, err := httpserver.New(cfg, httpserver.NewHandler(reg.Gateway(), hub, logger), metricsSrv)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		logger.Warn("Event dispatcher did not drain", "err", err)
	}
	logger.Info("Server shutdown complete")
	return nil
}

func openStore(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (interfaces.RegistryStore, func(), error) {
	switch kind := cCtx.String(storeFlag.Name); kind {
	case "memory":
		logger.Warn("Using in-memory record store, records are lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	case "postgres":
		dsn := cCtx.String(dbURLFlag.Name)
		if dsn == "" {
			return nil, nil, errors.New("db-url is required for the postgres store")
		}
		pool, err := store.NewPostgresPool(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		var pgOpts []store.PostgresOption
		if schema := cCtx.String(dbSchemaFlag.Name); schema != "" {
			pgOpts = append(pgOpts, store.WithSchema(schema))
		}
		pgStore, err := store.NewPostgresStore(pool, pgOpts...)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pgStore.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgStore, pool.Close, nil

	case "mongo":
		uri := cCtx.String(mongoURIFlag.Name)
		if uri == "" {
			return nil, nil, errors.New("mongo-uri is required for the mongo store")
		}
		client, err := store.ConnectMongo(ctx, uri)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				logger.Warn("Mongo disconnect failed", "err", err)
			}
		}
		mongoStore := store.NewMongoStore(client.Database(cCtx.String(mongoDatabaseFlag.Name)))
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, err
		}
		return mongoStore, disconnect, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

func openSinks(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, hub *notify.Hub) ([]interfaces.Notifier, func(), error) {
	sinks := []interfaces.Notifier{notify.NewLogSink(logger)}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if hub != nil {
		sinks = append(sinks, hub)
	}

	if url := cCtx.String(redisURLFlag.Name); url != "" {
		client, err := notify.NewRedisClient(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		sinks = append(sinks, notify.NewRedisStreamSink(client, cCtx.String(redisStreamFlag.Name), cCtx.Int64(redisMaxLenFlag.Name)))
	}

	if brokers := cCtx.String(kafkaBrokersFlag.Name); brokers != "" {
		topic := cCtx.String(kafkaTopicFlag.Name)
		client, err := notify.NewKafkaClient(brokers, topic)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, client.Close)
		sinks = append(sinks, notify.NewKafkaSink(client, topic))
	}

	if uris := cCtx.StringSlice(archiveFlag.Name); len(uris) > 0 {
		locations := make([]interfaces.ArchiveLocation, 0, len(uris))
		for i, uri := range uris {
			loc, err := interfaces.ParseArchiveLocation(uri)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("archive location #%d: %w", i+1, err)
			}
			locations = append(locations, loc)
		}
		var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(logger)
		if certFile := cCtx.String(archiveTLSCertFlag.Name); certFile != "" {
			keyFile := cCtx.String(archiveTLSKeyFlag.Name)
			factory = factory.WithTLSAuth(func() (tls.Certificate, error) {
				return tls.LoadX509KeyPair(certFile, keyFile)
			})
		}
		backend, err := factory.CreateMultiBackend(locations)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, notify.NewArchiveSink(backend, logger))
	}

	if contract := cCtx.String(anchorContractFlag.Name); contract != "" {
		rpc := cCtx.String(flags.RpcAddrFlag.Name)
		if rpc == "" {
			closeAll()
			return nil, nil, errors.New("anchor-contract requires rpc-addr")
		}
		anchorClient, err := anchor.Dial(ctx, rpc, contract, cCtx.String(anchorKeyFlag.Name), logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, anchorClient)
	}

	return sinks, closeAll, nil
}
