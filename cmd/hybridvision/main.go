package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hybridvision/pkg/envconfig"
	"hybridvision/pkg/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
