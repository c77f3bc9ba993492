package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opthub-org/opthub-runner/pkg/config"
	"github.com/opthub-org/opthub-runner/pkg/dispatch"
	"github.com/opthub-org/opthub-runner/pkg/executor"
	"github.com/opthub-org/opthub-runner/pkg/history"
	"github.com/opthub-org/opthub-runner/pkg/log"
	"github.com/opthub-org/opthub-runner/pkg/match"
	"github.com/opthub-org/opthub-runner/pkg/metrics"
	"github.com/opthub-org/opthub-runner/pkg/queue"
	"github.com/opthub-org/opthub-runner/pkg/stopflag"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	storepkg "github.com/opthub-org/opthub-runner/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run <evaluator|scorer> -- <command...>",
	Short: "Start a worker process",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWorker,
}

var runFlagDir string

func init() {
	runCmd.Flags().StringVar(&runFlagDir, "flag-dir", ".", "directory holding the stop-flag file")
}

func runWorker(cmd *cobra.Command, args []string) error {
	modeArg := args[0]
	command := args[1:]

	var mode dispatch.Mode
	var queueURLFor func(*config.Config) string
	switch modeArg {
	case "evaluator":
		mode = dispatch.Evaluator
		queueURLFor = func(c *config.Config) string { return c.EvaluatorQueueURL }
	case "scorer":
		mode = dispatch.Scorer
		queueURLFor = func(c *config.Config) string { return c.ScorerQueueURL }
	default:
		return fmt.Errorf("mode must be \"evaluator\" or \"scorer\", got %q", modeArg)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	processName, err := promptLine("process_name: ")
	if err != nil {
		return fmt.Errorf("read process_name: %w", err)
	}
	// username/password sign-in is not implemented; the core receives
	// pre-authenticated clients built from the static credentials in
	// config. See DESIGN.md.
	if _, err := promptLine("username: "); err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	if _, err := promptLine("password: "); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	logger := log.New(log.Config{Level: cfg.LogLevel, Pretty: devMode, Output: os.Stdout})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := cfg.AWSConfig(ctx)
	if err != nil {
		logger.Error("fatal: failed to build AWS config", "error", err)
		return err
	}

	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	sqsClient := awssqs.NewFromConfig(awsCfg)

	st := storepkg.NewDynamoStore(dynamoClient, cfg.TableName, logger)

	m, registry := metrics.New()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry, logger)
	}

	q := queue.NewSQSQueue(sqsClient, queueURLFor(cfg), queueKind(mode), time.Duration(cfg.Interval)*time.Second, logger, m.VisibilityExtensions.Inc)

	resolver := match.NewHTTPResolver(cfg.MatchEndpoint, "")

	exec, err := executor.NewDockerExecutor(logger)
	if err != nil {
		logger.Error("fatal: failed to build docker executor", "error", err)
		return err
	}
	defer exec.Close()

	cacheRoot, err := cfg.CacheRoot()
	if err != nil {
		logger.Error("fatal: failed to resolve cache directory", "error", err)
		return err
	}
	cache := history.NewCache(cacheRoot)

	flag := stopflag.New(runFlagDir, processName)
	if err := flag.CreateFlagFile(cfg.Force); err != nil {
		logger.Error("fatal: failed to create flag file", "error", err)
		return err
	}

	loop := dispatch.New(dispatch.Config{
		Mode:    mode,
		Command: command,
		Timeout: time.Duration(cfg.Timeout) * time.Second,
		Remove:  cfg.Remove,
		NumJobs: cfg.Num,
	}, q, st, resolver, exec, cache, flag, m, logger)

	code := loop.Run(ctx)

	if code == 0 {
		if err := flag.Stop(); err != nil {
			logger.Warn("failed to mark flag file stopped before cleanup", "error", err)
		} else if err := flag.DeleteFlagFile(); err != nil {
			logger.Warn("failed to delete flag file on clean exit", "error", err)
		}
	}

	os.Exit(code)
	return nil
}

func queueKind(mode dispatch.Mode) queue.Kind {
	if mode == dispatch.Scorer {
		return queue.Scorer
	}
	return queue.Evaluator
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stdout, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
