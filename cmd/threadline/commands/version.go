package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags
var Version = "dev"

// VersionCmd prints the build version
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Threadline version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("threadline %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	},
}
