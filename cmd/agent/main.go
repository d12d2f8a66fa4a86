package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"iotagent/internal/admin/router"
	"iotagent/internal/agent"
	"iotagent/internal/pkg"
)

// syncLog 安全地同步日志，忽略与标准输出相关的错误
func syncLog(log *zap.Logger) {
	// Windows平台上，同步标准输出时会出现"The handle is invalid"错误
	err := log.Sync()
	if err != nil && !strings.Contains(err.Error(), "The handle is invalid") {
		log.Error("程序退出时同步日志失败", zap.Error(err))
	}
}

func main() {
	var configDir string
	cmd := &cobra.Command{
		Use:   "iotagent",
		Short: "FIWARE IoT Agent",
		Long:  `Bridges devices to an NGSI Context Broker and serves the provisioning API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configDir)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", "yaml", "directory holding the yaml configuration")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configDir string) error {
	// 1. 初始化配置
	config, err := pkg.InitCommon(configDir)
	if err != nil {
		fmt.Printf("[main] 加载配置失败: %s\n", err)
		return err
	}

	// 2. 初始化log
	log := pkg.NewLogger(&config.Log)
	defer syncLog(log)
	log.Info("程序启动", zap.String("version", config.Version))
	log.Info("配置信息", zap.Any("common", config))

	// 3. 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 10)
	ctx = pkg.WithErrChan(ctx, errChan)
	ctx = pkg.WithConfig(ctx, config)
	ctx = pkg.WithLogger(ctx, log)

	// 4. 激活 agent
	a, err := agent.Activate(ctx, config)
	if err != nil {
		log.Error("激活 agent 失败", zap.Error(err))
		return err
	}

	// 5. 启动 HTTP 服务
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    net.JoinHostPort(config.Server.Host, strconv.Itoa(config.Server.Port)),
		Handler: router.SetupRouter(ctx, a),
	}
	go func() {
		log.Info("开通接口启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pkg.ReportError(ctx, fmt.Errorf("HTTP 服务异常: %w", err))
		}
	}()

	// 6. 主线程监听终止信号
	si := make(chan os.Signal, 1)
	signal.Notify(si, os.Interrupt, syscall.SIGTERM)
	var exitErr error
	select {
	case <-si:
		log.Info("收到退出信号，正在关闭 ...")
	case bad := <-errChan:
		log.Error("Error occurred", zap.Error(bad))
		exitErr = bad
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 服务关闭失败", zap.Error(err))
	}
	cancel()
	if err := a.Deactivate(shutdownCtx); err != nil {
		log.Error("停用 agent 失败", zap.Error(err))
	}
	log.Info("服务已退出")
	return exitErr
}
