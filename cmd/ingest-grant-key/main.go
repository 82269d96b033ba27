// Package main provides a one-shot utility for ingest-grant key generation.
//
// It emits the asymmetric keypair used to sign and verify ingest grants.
package main

import (
	"os"

	"github.com/louisbranch/collate/internal/platform/config"
	"github.com/louisbranch/collate/internal/tools/ingestgrant"
)

func main() {
	if err := ingestgrant.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate ingest grant key: %v", err)
	}
}
