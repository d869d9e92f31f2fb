// Package main mints a caller grant for use against the session API.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/s2quake/tabledeck/internal/platform/config"
	"github.com/s2quake/tabledeck/internal/tools/grantissue"
)

func main() {
	callerID := flag.String("caller", "", "Caller id to issue the grant for")
	displayName := flag.String("name", "", "Caller display name")
	admin := flag.Bool("admin", false, "Grant administrative authority")
	ttl := flag.Duration("ttl", time.Hour, "Grant lifetime")
	flag.Parse()

	err := grantissue.Run(os.Stdout, grantissue.Params{
		CallerID:    *callerID,
		DisplayName: *displayName,
		Admin:       *admin,
		TTL:         *ttl,
	})
	if err != nil {
		config.Exitf("issue grant: %v", err)
	}
}
