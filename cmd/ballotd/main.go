// Command ballotd は投票システムのIA、PO、ワーカー、マイグレーションを起動する。
//
//	ballotd ia | po | worker | migrate [ia|po] | healthcheck [ia|po]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/ballotbox/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ballotd: %v\n", err)
		os.Exit(1)
	}
}
