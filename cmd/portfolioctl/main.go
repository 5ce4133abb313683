// Command portfolioctl runs maintenance tasks against the portfolio
// database and upload root.
package main

import (
	"fmt"
	"os"

	"github.com/portfoliohub/portfolio/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
