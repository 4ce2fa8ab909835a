package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/app"
)

var configDir = flag.String("c", "", "extra directory to search for payment-engine.yaml")

func main() {
	flag.Parse()

	// 1. 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 加载配置
	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	engine, err := app.New("payment-engine", paths...)
	if err != nil {
		log.Fatalf("init payment-engine error: %v", err)
	}

	// 3. 初始化基础设施和服务
	cleanUp, err := engine.Start(ctx)
	if err != nil {
		log.Fatalf("start payment-engine error: %v", err)
	}
	defer cleanUp()

	// 4. 阻塞到收到退出信号
	if err := engine.Run(ctx); err != nil {
		log.Printf("payment-engine exit with error: %v", err)
		return
	}
	log.Println("payment-engine exit")
}
