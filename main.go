package main

import (
	"watchlist-scanner/internal/cli"
)

func main() {
	cli.Execute()
}
