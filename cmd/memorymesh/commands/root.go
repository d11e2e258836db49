package commands

import (
	"github.com/memorymesh/memorymesh/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for memorymesh
var RootCmd = &cobra.Command{
	Use:              "memorymesh",
	Short:            "federated coordination substrate",
	TraverseChildren: true,
}
