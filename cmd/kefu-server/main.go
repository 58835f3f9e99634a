package main

import (
	"context"
	"fmt"
	"os"

	"github.com/amoylab/kefu/internal/common/cnst"
	"github.com/amoylab/kefu/pkg/version"

	"github.com/spf13/cobra"
)

var (
	configPath string
	pidFile    string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.CommandName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.CommandName, version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "Customer service websocket relay",
		Long:  `kefu-server pairs customers with agents and relays their chat over websockets`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.KefuYaml, "path to configuration file, like /etc/kefu/kefu.yaml")
	rootCmd.PersistentFlags().StringVar(&pidFile, "pid", "", "path to PID file, overrides server.pid")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
