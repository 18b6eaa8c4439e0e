// Command hanbai runs the Hanbai storefront assistant bot.
//
// Required environment variables:
//
//	MATRIX_HOMESERVER      - Matrix homeserver URL
//	MATRIX_USER_ID         - bot user ID (e.g. "@hanbai:example.org")
//	MATRIX_ACCESS_TOKEN    - bot access token
//	MATRIX_OPERATOR_ROOMS  - comma-separated room IDs that accept commands
//	UPSTREAM_BASE_URL      - storefront API base URL
//	UPSTREAM_API_KEY       - storefront API key
//
// Optional environment variables:
//
//	HANBAI_CONFIG          - path to a YAML config file (env still wins)
//	MATRIX_NOTIFY_ROOM     - room ID for team notifications
//	DATABASE_PATH          - SQLite path (default "./hanbai.db")
//	CONFIRM_TTL            - confirmation token lifetime (default "5m")
//	ACTIVE_PLAN_TTL        - pending plan lifetime (default "15m")
//	CAPABILITY_TTL         - capability report cache lifetime (default "6h")
//	ALLOWED_TOOLS          - comma-separated action allow-list
//	LOG_LEVEL              - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT             - "text" or "json" (default: "text")
package main

import (
	"fmt"
	"os"

	"github.com/okonuma/hanbai/common/version"
	"github.com/okonuma/hanbai/internal/hanbai/app"
	"github.com/okonuma/hanbai/internal/hanbai/config"
)

func main() {
	fmt.Printf("Hanbai Storefront Assistant\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load(os.Getenv("HANBAI_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	hanbai, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Hanbai: %v\n", err)
		os.Exit(1)
	}
	defer hanbai.Stop()

	if err := hanbai.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Hanbai: %v\n", err)
		os.Exit(1)
	}
}
