package main

import (
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/gpumem/config"
)

type simulationOptions struct {
	frames     int
	imports    int
	uniformLen int
	printMap   bool
}

func newRootCommand() *cobra.Command {
	var cfgFile string
	var options simulationOptions

	root := &cobra.Command{
		Use:          "vramsim",
		Short:        "Exercise the GPU memory allocator against a simulated device",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Simulate rendering frames while meshes are imported in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			return runSimulation(cmd.Context(), logger, cfg, options, cmd.OutOrStdout())
		},
	}
	run.Flags().IntVar(&options.frames, "frames", 120, "number of frames to render")
	run.Flags().IntVar(&options.imports, "imports", 32, "number of meshes to upload in the background")
	run.Flags().IntVar(&options.uniformLen, "uniform-size", 192, "bytes of per-frame uniform data")
	run.Flags().BoolVar(&options.printMap, "map", false, "print the detailed json pool map")

	root.AddCommand(run)
	return root
}
