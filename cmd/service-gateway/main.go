// Package main is the entrypoint for the service-gateway.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/internal/server"
)

const usage = `Usage: service-gateway [command]
       service-gateway serve    Start the gateway (websocket listener, brokers, HTTP edge).
       service-gateway check    Load and validate configuration, then exit.

Commands:
  serve   (default) Start the service gateway.
  check   Validate environment configuration without starting anything.

Environment: GATEWAY_LISTEN_ADDR (default 0.0.0.0:3474), GATEWAY_MAILBOX_CAPACITY,
GATEWAY_OWNERSHIP_POLICY (first-wins|last-wins), GATEWAY_PROVIDER_TIMEOUT,
COMMS_URL (optional bus endpoint), HTTP_PORT (default 8080), LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "check":
		if err := runCheck(); err != nil {
			log.Fatalf("service-gateway check: %v", err)
		}
		fmt.Println("Configuration is valid.")
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("service-gateway: %v", err)
	}
}

func runCheck() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return cfg.ValidateForServe()
}
