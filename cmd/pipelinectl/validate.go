package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/stricklysoft-pipelines/internal/demo"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a pipeline YAML spec",
	Long: `Validate parses a pipeline spec, checks its dependency graph and prints
the layers the steps run in. Steps of one layer are independent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := pipeline.LoadSpecFile(args[0], demo.Compensators(logger))
		if err != nil {
			return err
		}
		printLevels(cmd.OutOrStdout(), def)
		return nil
	},
}

func printLevels(w io.Writer, def *pipeline.Definition) {
	fmt.Fprintf(w, "%s: %d steps\n", def.Ref(), def.Len())
	for i, level := range def.Levels() {
		names := make([]string, 0, len(level))
		for _, s := range level {
			label := s.Name + " (" + s.Capability.String()
			if s.Optional {
				label += ", optional"
			}
			names = append(names, label+")")
		}
		fmt.Fprintf(w, "  layer %d: %s\n", i+1, strings.Join(names, ", "))
	}
	if b := def.ResultBinding(); b != "" {
		fmt.Fprintf(w, "  result: %s\n", b)
	}
}
