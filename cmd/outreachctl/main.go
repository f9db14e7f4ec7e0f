// Outreachctl is the operator command line for the outreach API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/outreach/internal/cli"
)

func main() {
	v.AppName = "outreach"
	v.Component = "outreachctl"

	if err := cli.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.RootCmd(v.Get().Version).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
