package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ldxlovelbx/pyabc/pkg/history"
)

var (
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "abchist",
	Short: "Inspect an ABC-SMC run-history database",
	Long:  `A command-line interface for querying run histories recorded by the history engine.`,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show run metadata and totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openStore()
		if err != nil {
			return err
		}
		defer h.Close()

		ctx := context.Background()
		uid, err := h.RunUID(ctx)
		if err != nil {
			return err
		}
		names, err := h.ModelNames(ctx)
		if err != nil {
			return err
		}
		maxT, err := h.MaxT(ctx)
		if err != nil {
			return err
		}
		total, err := h.TotalNrSimulations(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("run:               %s\n", uid)
		fmt.Printf("models:            %d\n", len(names))
		fmt.Printf("max t:             %d\n", maxT)
		fmt.Printf("total simulations: %d\n", total)

		if verbose {
			strategy, err := h.PopulationStrategy(ctx)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(strategy, "", "  ")
			fmt.Printf("population strategy:\n%s\n", out)
		}
		return nil
	},
}

var populationsCmd = &cobra.Command{
	Use:   "populations",
	Short: "List generations with epsilon and sample counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openStore()
		if err != nil {
			return err
		}
		defer h.Close()

		rows, err := h.GetAllPopulations(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("%-6s %-6s %-12s %-10s %s\n", "t", "m", "epsilon", "samples", "particles")
		for _, row := range rows {
			fmt.Printf("%-6d %-6d %-12g %-10d %d\n", row.T, row.M, row.Epsilon, row.Samples, row.Particles)
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show model names and probability trajectory",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openStore()
		if err != nil {
			return err
		}
		defer h.Close()

		ctx := context.Background()
		names, err := h.ModelNames(ctx)
		if err != nil {
			return err
		}
		for m, name := range names {
			fmt.Printf("%4d  %s\n", m, name)
		}

		probs, err := h.GetAllModelProbabilities(ctx)
		if err != nil {
			return err
		}
		if len(probs) > 0 {
			fmt.Printf("\n%-6s %-6s %s\n", "t", "m", "p")
			for _, p := range probs {
				fmt.Printf("%-6d %-6d %g\n", p.T, p.M, p.P)
			}
		}
		return nil
	},
}

var distributionCmd = &cobra.Command{
	Use:   "distribution <m> <t>",
	Short: "Dump the weighted parameter sample of model m at generation t",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid model index: %w", err)
		}
		t, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid generation index: %w", err)
		}

		h, err := openStore()
		if err != nil {
			return err
		}
		defer h.Close()

		dist, err := h.GetDistribution(context.Background(), m, t)
		if err != nil {
			return err
		}

		fmt.Printf("%-12s", "w")
		for _, name := range dist.Names {
			fmt.Printf(" %-12s", name)
		}
		fmt.Println()
		for i, row := range dist.Rows {
			fmt.Printf("%-12g", dist.Weights[i])
			for _, v := range row {
				fmt.Printf(" %-12g", v)
			}
			fmt.Println()
		}
		return nil
	},
}

func openStore() (*history.History, error) {
	opts := []history.Option{}
	if verbose {
		opts = append(opts, history.WithLogger(history.NewStdLogger(history.LevelDebug)))
	}
	h, err := history.Open(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return h, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "abc.db", "path to the history database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(populationsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(distributionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Println(err)
		os.Exit(1)
	}
}
