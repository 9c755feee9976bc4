package main

import (
	"os"

	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
