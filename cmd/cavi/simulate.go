package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-basket-cavi/dataset"
)

// Files written by simulate and read by default by index and fit.
const (
	purchasesFile = "purchases.csv"
	tripFile      = "x.csv"
	customerFile  = "h.csv"
)

func newSimulateCmd() *cobra.Command {
	cfg := dataset.DefaultSimConfig()
	var out string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic purchase history as CSV",
		Long: `Draws a purchase history from the basket model and writes
purchases.csv, x.csv and h.csv into the output directory.

Examples:
  cavi simulate --out data
  cavi simulate --out data --customers 500 --products 200 --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := dataset.Simulate(cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			if err := writeCSV(filepath.Join(out, purchasesFile), func(f *os.File) error {
				return dataset.WritePurchasesCSV(f, raw.Purchases)
			}); err != nil {
				return err
			}
			if err := writeCSV(filepath.Join(out, tripFile), func(f *os.File) error {
				return dataset.WriteMatrixCSV(f, raw.X)
			}); err != nil {
				return err
			}
			if err := writeCSV(filepath.Join(out, customerFile), func(f *os.File) error {
				return dataset.WriteMatrixCSV(f, raw.H)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d purchases to %s\n", len(raw.Purchases), out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", ".", "output directory")
	f.IntVar(&cfg.Customers, "customers", cfg.Customers, "number of customers")
	f.IntVar(&cfg.Products, "products", cfg.Products, "product catalogue size")
	f.IntVar(&cfg.Factors, "factors", cfg.Factors, "latent factors used to draw purchases")
	f.Float64Var(&cfg.MeanBaskets, "mean-baskets", cfg.MeanBaskets, "mean repeat baskets per customer")
	f.Float64Var(&cfg.MeanItems, "mean-items", cfg.MeanItems, "mean extra purchases per basket")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	return cmd
}

func writeCSV(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
