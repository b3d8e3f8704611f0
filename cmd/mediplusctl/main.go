// Command mediplusctl runs operator actions against the configured ledger
// and record store: verification, store-side reconciliation and ledger
// reads.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
