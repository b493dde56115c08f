package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/quiverdb/quiver/execution"
	"github.com/quiverdb/quiver/helpers/graph"
	"github.com/quiverdb/quiver/output/table"
	"github.com/quiverdb/quiver/physical"
)

var (
	describePlan  bool
	graphvizPlan  bool
	runPartitions int
)

var runCmd = &cobra.Command{
	Use:   "run <example>",
	Short: "Run one of the built-in example pipelines and print the result.",
	Long:  fmt.Sprintf("Run one of the built-in example pipelines and print the result.\n\nAvailable examples: %v", exampleNames()),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, err := lookupExample(args[0])
		if err != nil {
			return err
		}
		plan, err := pipeline(runPartitions)
		if err != nil {
			return fmt.Errorf("couldn't build example plan: %w", err)
		}

		if describePlan {
			fmt.Print(physical.Describe(plan))
			return nil
		}
		if graphvizPlan {
			dot, err := graph.Dot(physical.Explain(plan))
			if err != nil {
				return fmt.Errorf("couldn't render plan graph: %w", err)
			}
			fmt.Println(dot)
			return nil
		}

		queryID := ulid.MustNew(ulid.Now(), rand.Reader).String()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		materialized, err := plan.Materialize(ctx, physical.Environment{TargetPartitions: runPartitions})
		if err != nil {
			return fmt.Errorf("couldn't materialize plan: %w", err)
		}

		start := time.Now()
		formatter := table.NewFormatter(os.Stdout, materialized.Schema)
		records, err := execution.Collect(execution.Context{Context: ctx}, materialized)
		if err != nil {
			return fmt.Errorf("couldn't run query: %w", err)
		}
		for _, record := range records {
			if err := formatter.Write(record); err != nil {
				return fmt.Errorf("couldn't format output: %w", err)
			}
		}
		if err := formatter.Close(); err != nil {
			return err
		}
		log.Printf("query %s finished in %s", queryID, time.Since(start))
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&describePlan, "describe", false, "print the plan tree instead of running it")
	runCmd.Flags().BoolVar(&graphvizPlan, "graphviz", false, "print the plan as graphviz dot instead of running it")
	runCmd.Flags().IntVar(&runPartitions, "partitions", 4, "partition count of generated datasources and inserted exchanges")
	rootCmd.AddCommand(runCmd)
}
