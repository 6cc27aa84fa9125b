package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/chromeflow/chromeflow/internal/cli"
)

func main() {
	// Optional .env file; absence is fine.
	_ = godotenv.Load()

	os.Exit(cli.Execute())
}
