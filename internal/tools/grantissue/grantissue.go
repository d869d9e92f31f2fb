// Package grantissue mints caller grants from the command line.
package grantissue

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/s2quake/tabledeck/internal/auth"
)

// Params describes the grant to issue.
type Params struct {
	CallerID    string
	DisplayName string
	Admin       bool
	TTL         time.Duration
}

// Run issues one grant using signing settings from the environment and
// writes the token.
func Run(out io.Writer, params Params) error {
	if out == nil {
		return errors.New("output is required")
	}
	settings, err := auth.LoadSettingsFromEnv(nil)
	if err != nil {
		return fmt.Errorf("load auth settings: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(settings)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}
	grant, err := authenticator.Issue(params.CallerID, params.DisplayName, params.Admin, params.TTL)
	if err != nil {
		return fmt.Errorf("issue grant: %w", err)
	}
	_, err = fmt.Fprintln(out, grant)
	return err
}
