package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spotalloc",
		Short: "Parking spot allocation engine: nearest-spot holds, bookings and a fair wait queue",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newSpotCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
