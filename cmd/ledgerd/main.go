package main

import "engagement-ledger/internal/cli"

func main() {
	cli.Execute()
}
