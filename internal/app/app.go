package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/runnerd/internal/config"
	"github.com/wisbric/runnerd/internal/httpserver"
	"github.com/wisbric/runnerd/internal/telemetry"
	"github.com/wisbric/runnerd/pkg/fleet"
	"github.com/wisbric/runnerd/pkg/ghapi"
	"github.com/wisbric/runnerd/pkg/notify"
	"github.com/wisbric/runnerd/pkg/pool"
	"github.com/wisbric/runnerd/pkg/queue"
	"github.com/wisbric/runnerd/pkg/retry"
	"github.com/wisbric/runnerd/pkg/scaledown"
	"github.com/wisbric/runnerd/pkg/scaleup"
)

// Run is the main entry point. It reads config, connects to AWS and GitHub,
// and starts the loops selected by the run mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting runnerd",
		"mode", cfg.Mode,
		"environment", cfg.Environment,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Environment == "" {
		return fmt.Errorf("ENVIRONMENT must be set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	ec2c := ec2.NewFromConfig(awsCfg)
	ssmc := ssm.NewFromConfig(awsCfg)
	sqsc := sqs.NewFromConfig(awsCfg)

	fleetClient := fleet.NewClient(ec2c, logger)
	secrets := fleet.NewSecretStore(ssmc, cfg.SSMTokenPath, logger)

	// GitHub authentication: App credentials, or PAT fallback.
	var privateKey []byte
	if cfg.GitHubAppID != 0 {
		privateKey, err = cfg.AppPrivateKeyPEM()
		if err != nil {
			return err
		}
	} else if cfg.GitHubToken == "" {
		return fmt.Errorf("either GITHUB_APP_ID/GITHUB_APP_PRIVATE_KEY or GITHUB_TOKEN must be set")
	}
	factory := ghapi.NewClientFactory(cfg.GitHubAppID, privateKey, cfg.GitHubToken, cfg.GHESURL, logger)

	// Optional Redis hot cache in front of the SSM runner-group cache.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		logger.Info("runner group cache: redis hot tier enabled")
	}
	groups := ghapi.NewGroupCache(secrets, rdb, cfg.SSMConfigPath, logger)

	// Resolve the AMI override once at startup.
	imageID := ""
	if cfg.AmiIDSSMParameter != "" {
		imageID, err = secrets.GetParameter(ctx, cfg.AmiIDSSMParameter)
		if err != nil {
			return fmt.Errorf("resolving AMI override: %w", err)
		}
		logger.Info("AMI override resolved", "parameter", cfg.AmiIDSSMParameter, "image_id", imageID)
	}

	spec := fleet.CreateSpec{
		LaunchTemplateName:    cfg.LaunchTemplateName,
		SubnetIDs:             cfg.SubnetIDs,
		InstanceTypes:         cfg.InstanceTypes,
		AllocationStrategy:    cfg.AllocationStrategy,
		TargetCapacityType:    cfg.TargetCapacityType,
		MaxSpotPrice:          cfg.MaxSpotPrice,
		ImageID:               imageID,
		OnDemandFailoverCodes: cfg.OnDemandFailoverCodes,
	}
	opts := scaleup.Options{
		OrgRunners:        cfg.OrgRunners,
		Ephemeral:         cfg.EphemeralRunners,
		JitConfig:         cfg.JitConfig,
		QueuedCheck:       cfg.JobQueuedCheck,
		MaxRunners:        cfg.MaxRunners,
		Environment:       cfg.Environment,
		RunnerNamePrefix:  cfg.RunnerNamePrefix,
		RunnerLabels:      cfg.RunnerLabels,
		RunnerGroupName:   cfg.RunnerGroupName,
		DisableAutoUpdate: cfg.DisableAutoUpdate,
	}
	upFactory := scaleup.GitHubFactory{Factory: factory}
	prov := scaleup.NewProvisioner(fleetClient, secrets, groups, spec, opts, factory.ServerURL(), logger)
	dispatcher := scaleup.NewDispatcher(prov, upFactory, opts, logger)

	republisher := retry.NewRepublisher(sqsc, upFactory, retry.Config{
		Enable:       cfg.JobRetry.Enable,
		MaxAttempts:  cfg.JobRetry.MaxAttempts,
		InitialDelay: time.Duration(cfg.JobRetry.DelayInSeconds) * time.Second,
		Backoff:      cfg.JobRetry.DelayBackoff,
		QueueURL:     cfg.JobRetry.QueueURL,
	}, cfg.OrgRunners, logger)

	var notifier queue.Notifier
	if n := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger); n.IsEnabled() {
		notifier = n
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN or SLACK_ALERT_CHANNEL not set)")
	}

	schedule, err := scaledown.NewSchedule(scaleDownEntries(cfg), logger)
	if err != nil {
		return err
	}
	reaper := scaledown.NewReaper(fleetClient, scaledown.GitHubFactory{Factory: factory}, schedule, scaledown.Config{
		Environment:        cfg.Environment,
		MinimumRunningTime: cfg.MinimumRunningTime(),
		BootTime:           cfg.RunnerBootTime(),
	}, logger)

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	runIntake := func() error {
		if cfg.ScaleUpQueueURL == "" {
			return fmt.Errorf("SQS_SCALE_UP_QUEUE_URL must be set for mode %q", cfg.Mode)
		}
		consumer := queue.NewConsumer(sqsc, dispatcher, republisher, notifier, cfg.ScaleUpQueueURL, cfg.QueueWaitSecs, logger)
		go consumer.RunLoop(ctx)
		return nil
	}
	runPool := func() {
		if cfg.PoolSize > 0 && cfg.PoolOwner != "" {
			p := pool.New(prov, upFactory, fleetClient, cfg.PoolOwner, cfg.PoolSize, cfg.Environment, cfg.RunnerBootTime(), logger)
			go p.RunLoop(ctx, cfg.PoolInterval)
		} else {
			logger.Info("pool top-up disabled (POOL_SIZE or POOL_OWNER not set)")
		}
	}

	switch cfg.Mode {
	case "controller":
		if err := runIntake(); err != nil {
			return err
		}
		go reaper.RunLoop(ctx, cfg.ScaleDownInterval)
		runPool()
	case "scale-up":
		if err := runIntake(); err != nil {
			return err
		}
	case "scale-down":
		go reaper.RunLoop(ctx, cfg.ScaleDownInterval)
	case "pool":
		if cfg.PoolSize <= 0 || cfg.PoolOwner == "" {
			return fmt.Errorf("POOL_SIZE and POOL_OWNER must be set for mode %q", cfg.Mode)
		}
		runPool()
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}

	return serveOps(ctx, cfg, logger, metricsReg)
}

func scaleDownEntries(cfg *config.Config) []scaledown.Entry {
	entries := make([]scaledown.Entry, 0, len(cfg.ScaleDown))
	for _, e := range cfg.ScaleDown {
		entries = append(entries, scaledown.Entry{
			Cron:             e.Cron,
			IdleCount:        e.IdleCount,
			EvictionStrategy: scaledown.Strategy(e.EvictionStrategy),
		})
	}
	return entries
}

// serveOps runs the ops HTTP server in the foreground until ctx is
// cancelled; its shutdown ends the process.
func serveOps(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry) error {
	srv := httpserver.New(logger, metricsReg, cfg.Mode, cfg.Environment)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
