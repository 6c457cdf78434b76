package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Exit codes for different failure modes
const (
	ExitSuccess = 0 // Command completed
	ExitError   = 1 // Configuration or runtime error
)

func main() {
	// Secrets (MORPH_API_KEY, INSTANT_ADMIN_TOKEN) typically live in a
	// local .env during development. A missing file is fine.
	_ = godotenv.Load()

	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitError)
	}
}
