package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	slogzap "github.com/samber/slog-zap/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	env     string
	logFile string
	rootCmd = &cobra.Command{
		Use:   "ims",
		Short: "Integration management service streaming market data bars to websocket clients",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml in . or ./config)")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "environment overlay, merges config.<env>.yaml")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "ims.log", "rotated JSON log file")
}

func NewAsyncLogger() (*slog.Logger, func()) {
	return newAsyncLogger(logFile)
}

func newAsyncLogger(filename string) (*slog.Logger, func()) {
	fileWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	consoleWriter := zapcore.AddSync(os.Stdout)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	// buffered so the hot path never waits on disk
	bufferedFileWriter := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(fileWriter),
		Size:          256 * 1024,
		FlushInterval: 5 * time.Second,
	}

	bufferedConsoleWriter := &zapcore.BufferedWriteSyncer{
		WS:            consoleWriter,
		Size:          64 * 1024,
		FlushInterval: 1 * time.Second,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, bufferedFileWriter, zapcore.InfoLevel),
		zapcore.NewCore(consoleEncoder, bufferedConsoleWriter, zapcore.ErrorLevel),
	)

	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	handler := slogzap.Option{
		Level:  slog.LevelInfo,
		Logger: zapLogger,
	}.NewZapHandler()

	return slog.New(handler), func() {
		_ = zapLogger.Sync()
		_ = bufferedFileWriter.Stop()
		_ = bufferedConsoleWriter.Stop()
		_ = fileWriter.Close()
	}
}

func SetupLogger() (*slog.Logger, func()) {
	return NewAsyncLogger()
}
