package main

import (
	"github.com/joho/godotenv"

	"github.com/iliyamo/restaurant-reservation/internal/cli"
)

func main() {
	_ = godotenv.Load() // .env is optional; real environment variables win
	cli.Execute()
}
