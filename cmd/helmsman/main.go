package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"helmsman/internal/app"
	"helmsman/internal/config"
	"helmsman/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Single-instrument leveraged trading engine driven by weighted analyst votes",
	Long: `helmsman runs a scheduled decision cycle for one futures symbol:
market analysis, analyst votes, risk assessment, weighted consensus and guarded
execution against a paper or Binance gateway. Closed trades are reflected on and
feed back into agent weights.

Without a subcommand it behaves like "helmsman run".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env 不存在时静默跳过
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
	RunE: runEngine,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler, position monitor and control surface",
	Args:  cobra.NoArgs,
	RunE:  runEngine,
}

func init() {
	def := os.Getenv("HELMSMAN_CONFIG")
	if def == "" {
		def = "configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", def, "path to config.yaml")
	rootCmd.AddCommand(runCmd, statusCmd, weightsCmd, cyclesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return cfg, nil
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	llmFile, err := openLogFile(cfg.App.LLMLogPath)
	if err != nil {
		return fmt.Errorf("初始化模型日志失败: %w", err)
	}
	if llmFile != nil {
		logger.SetLLMWriter(llmFile)
		defer llmFile.Close()
	}
	logger.Infof("✓ 配置加载成功（环境=%s，品种=%s，交易所=%s）", cfg.App.Env, cfg.App.Symbol, cfg.Exchange.Name)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("运行失败: %w", err)
	}
	return nil
}

func setupLogOutput(path string) (*os.File, error) {
	file, err := openLogFile(path)
	if err != nil || file == nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

// openLogFile 以追加方式打开日志文件；路径为空返回 nil。
func openLogFile(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
