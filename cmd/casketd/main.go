package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/casketlabs/casketd/internal/dispatch"
	"github.com/casketlabs/casketd/internal/logging"
)

func main() {
	logger, err := logging.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "casketd: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	socketPath := "/tmp/service_manager.sock"
	if len(os.Args) > 1 {
		socketPath = os.Args[1]
	}

	manager := dispatch.New(dispatch.DefaultConfig(socketPath), logger)
	dispatch.RegisterExampleHandlers(manager)

	ok, err := manager.Start()
	if err != nil {
		logger.Fatal("failed to start service manager", zap.Error(err))
	}
	if !ok {
		logger.Fatal("service manager already running")
	}

	fmt.Println("ServiceManager started successfully!")
	fmt.Printf("Socket: %s\n", socketPath)
	fmt.Printf("PID: %d\n", os.Getpid())
	fmt.Println("Send test signals:")
	fmt.Printf("  kill -HUP %d   # reload hook (no-op)\n", os.Getpid())
	fmt.Printf("  kill -USR1 %d  # print statistics\n", os.Getpid())
	fmt.Printf("  kill -INT %d   # graceful shutdown\n", os.Getpid())

	manager.Run()

	fmt.Println("ServiceManager shutdown complete")
}
