package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BaSui01/contentflow/config"
	"github.com/BaSui01/contentflow/internal/telemetry"
	"github.com/BaSui01/contentflow/persistence"
	"github.com/BaSui01/contentflow/workflow"
	"github.com/BaSui01/contentflow/workflow/dsl"
	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 构建信息（通过 ldflags 注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// CLI 命令行结构
type CLI struct {
	Config string `help:"Path to configuration file." short:"c" placeholder:"FILE"`

	ValidateChain validateChainCmd `cmd:"" name:"validate-chain" help:"Validate an execution chain definition."`
	Checkpoints   checkpointsCmd   `cmd:"" help:"Inspect stored checkpoints."`
	Recover       recoverCmd       `cmd:"" help:"Rebuild flow state from its latest checkpoint."`
	Version       versionCmd       `cmd:"" help:"Print version information."`
}

// app 各子命令共享的运行环境
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("contentflow"),
		kong.Description("ContentFlow content pipeline flow-control tool."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	if kctx.Command() == "version" {
		return kctx.Run(&app{out: stdout})
	}

	cfg, err := config.NewLoader().
		WithConfigPath(cli.Config).
		WithValidator((*config.Config).Validate).
		Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&app{cfg: cfg, logger: logger, out: stdout})
}

// openStore 按配置打开 checkpoint 存储
func (a *app) openStore() (*persistence.CheckpointStore, error) {
	store, err := persistence.NewCheckpointStoreFromConfig(a.cfg.StoreConfig(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return store, nil
}

// loadChain 读取执行链：参数优先，其次 flow.chain_file，都为空时使用默认执行链
func (a *app) loadChain(path string) (*workflow.ExecutionChain, error) {
	if path == "" {
		path = a.cfg.Flow.ChainFile
	}
	if path == "" {
		return workflow.DefaultContentChain(), nil
	}
	a.logger.Debug("loading chain", zap.String("path", path))
	return dsl.NewParser().ParseFile(path)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- validate-chain ---

type validateChainCmd struct {
	Chain string `help:"Chain definition file (YAML)." placeholder:"FILE"`
}

func (c *validateChainCmd) Run(a *app) error {
	chain, err := a.loadChain(c.Chain)
	if err != nil {
		return err
	}
	v := chain.ValidateChainConfiguration()
	if err := a.printJSON(v); err != nil {
		return err
	}
	if !v.Valid {
		return fmt.Errorf("chain has %d error(s)", len(v.Errors))
	}
	return nil
}

// --- checkpoints ---

type checkpointsCmd struct {
	List  checkpointsListCmd  `cmd:"" help:"List checkpoints of a flow, oldest first."`
	Stats checkpointsStatsCmd `cmd:"" help:"Print checkpoint store statistics."`
}

type checkpointsListCmd struct {
	Flow string `help:"Flow ID." required:""`
}

func (c *checkpointsListCmd) Run(ctx context.Context, a *app) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.ListCheckpoints(ctx, c.Flow)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintf(a.out, "no checkpoints for flow %s\n", c.Flow)
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tTIMESTAMP\tSIZE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			info.ID, info.Stage, info.Timestamp.Format(time.RFC3339Nano), info.Size)
	}
	return w.Flush()
}

type checkpointsStatsCmd struct{}

func (c *checkpointsStatsCmd) Run(ctx context.Context, a *app) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GetStatistics(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(stats)
}

// --- recover ---

type recoverCmd struct {
	Flow  string `help:"Flow ID." required:""`
	Chain string `help:"Chain definition used to compute the next step." placeholder:"FILE"`
}

// recoverReport 恢复结果；只读检查，不执行任何阶段
type recoverReport struct {
	Checkpoint string                `json:"checkpoint"`
	NextStep   string                `json:"next_step,omitempty"`
	State      workflow.FlowSnapshot `json:"state"`
}

func (c *recoverCmd) Run(ctx context.Context, a *app) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	state, cp, err := workflow.RecoverFlowState(ctx, store, c.Flow, a.cfg.Flow.MaxStageExecutions, a.logger)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("no checkpoint found for flow %s", c.Flow)
		}
		return err
	}
	chain, err := a.loadChain(c.Chain)
	if err != nil {
		return err
	}

	report := recoverReport{Checkpoint: cp.ID, State: state.Snapshot()}
	if s, ok := chain.StepForStage(state.CurrentStage()); ok {
		if next, ok := chain.NextAfter(s.Name, workflow.Succeeded(state.CurrentStage(), nil)); ok {
			report.NextStep = next
		}
	} else {
		report.NextStep = chain.Entry()
	}
	return a.printJSON(report)
}

// --- version ---

type versionCmd struct{}

func (c *versionCmd) Run(a *app) error {
	fmt.Fprintf(a.out, "ContentFlow %s\n", Version)
	fmt.Fprintf(a.out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(a.out, "  Git Commit: %s\n", GitCommit)
	return nil
}

// =============================================================================
// 📝 Logger
// =============================================================================

// initLogger 按配置构建 zap logger；stdout 改写到 stderr，stdout 只留给命令输出
func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := make([]string, 0, len(cfg.OutputPaths))
	for _, p := range cfg.OutputPaths {
		if p == "stdout" {
			p = "stderr"
		}
		outputs = append(outputs, p)
	}
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("service", "contentflow"))
}
