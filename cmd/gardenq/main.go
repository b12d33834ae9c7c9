package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor     bool
	userAddress string
	chainID     int64
)

var rootCmd = &cobra.Command{
	Use:           "gardenq",
	Short:         "Offline outbox for garden work and approvals",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	flags.StringVar(&userAddress, "user", os.Getenv("GARDENQ_USER_ADDRESS"), "account address owning the queue")
	flags.Int64Var(&chainID, "chain", envInt64("GARDENQ_CHAIN_ID"), "network chain id")

	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		workCmd,
		approveCmd,
		jobsCmd,
		statsCmd,
		syncCmd,
		connectivityCmd,
		storageCmd,
		draftsCmd,
		configCmd,
	)
}

func envInt64(key string) int64 {
	n, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return n
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
