package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/infrastructure/external/kurs"
)

func main() {
	// Parse command line flags
	baseURL := flag.String("base", "", "Kurs API base URL (or set KURS_API_BASE env var)")
	date := flag.String("date", time.Now().Format("2006-01-02"), "Rate date (YYYY-MM-DD)")
	timeout := flag.Duration("timeout", 10*time.Second, "API call timeout")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	// Initialize logger
	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger = zap.NewNop()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *baseURL == "" {
		*baseURL = os.Getenv("KURS_API_BASE")
	}
	if *baseURL == "" {
		fmt.Fprintf(os.Stderr, "ERROR: KURS_API_BASE not set and no --base flag provided\n")
		fmt.Fprintf(os.Stderr, "Usage: test-fx-connection --base https://... [--date 2024-05-01] [--timeout 10s]\n")
		os.Exit(1)
	}
	if _, err := time.Parse("2006-01-02", *date); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: --date must be YYYY-MM-DD, got %q\n", *date)
		os.Exit(1)
	}

	fmt.Println("=== FX Provider Connection Test ===")
	fmt.Printf("  Base URL: %s\n", *baseURL)
	fmt.Printf("  Date: %s\n", *date)
	fmt.Printf("  Timeout: %v\n\n", *timeout)

	client := kurs.NewClient(kurs.Config{BaseURL: *baseURL, Timeout: *timeout}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	snap, err := client.FetchRate(ctx, *date)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: rate lookup failed after %v\n", duration)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Received rate in %v\n\n", duration)
	fmt.Printf("%s/%s mid: %s (as of %s, %s)\n", snap.Base, snap.Quote, allowance.FormatIDR(snap.Mid), snap.AsOf, snap.Source)

	jsonBytes, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(jsonBytes))
}
