// Command issue-token signs a bearer token for local development against
// the configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/config"
	"github.com/garyjia/trip-allowance/internal/infrastructure/auth"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	userID := flag.String("user", "", "User ID (uid claim)")
	role := flag.String("role", "pic", "Role claim")
	email := flag.String("email", "", "Optional email claim")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: issue-token --user <id> [--role pic|admin|bod] [--email addr]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	provider, err := auth.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create token provider: %v\n", err)
		os.Exit(1)
	}

	token, err := provider.GenerateToken(port.AuthContext{UserID: *userID, Role: *role, Email: *email}, cfg.Auth.TokenTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
