// Package main provides a one-shot utility for grant key generation.
//
// It emits the signing seed used to issue and verify caller grants.
package main

import (
	"os"

	"github.com/s2quake/tabledeck/internal/platform/config"
	"github.com/s2quake/tabledeck/internal/tools/grantkey"
)

func main() {
	if err := grantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate grant key: %v", err)
	}
}
