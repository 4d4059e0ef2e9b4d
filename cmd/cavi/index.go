package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/n0madic/go-basket-cavi/config"
	"github.com/n0madic/go-basket-cavi/dataset"
)

// dataFlags select the CSV inputs. They override the data section of the
// configuration.
type dataFlags struct {
	dir         string
	purchases   string
	trip        string
	customer    string
	emulateLDAX bool
}

func (f *dataFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.dir, "data", "d", "", "directory holding purchases.csv, x.csv and h.csv")
	fs.StringVar(&f.purchases, "purchases", "", "purchases CSV (customer,basket,product)")
	fs.StringVar(&f.trip, "x", "", "trip covariates CSV, one row per basket")
	fs.StringVar(&f.customer, "h", "", "customer covariates CSV, one row per customer")
	fs.BoolVar(&f.emulateLDAX, "lda-x", false, "collapse every customer to one basket")
}

// files resolves the flags against cfg.
func (f *dataFlags) files(cmd *cobra.Command, cfg *config.Config) dataset.Files {
	files := dataset.Files{
		Purchases:   cfg.Data.Purchases,
		X:           cfg.Data.TripCovariates,
		H:           cfg.Data.CustomerCovariates,
		EmulateLDAX: cfg.Data.EmulateLDAX,
	}
	if f.dir != "" {
		files.Purchases = filepath.Join(f.dir, purchasesFile)
		files.X = filepath.Join(f.dir, tripFile)
		files.H = filepath.Join(f.dir, customerFile)
	}
	if f.purchases != "" {
		files.Purchases = f.purchases
	}
	if f.trip != "" {
		files.X = f.trip
	}
	if f.customer != "" {
		files.H = f.customer
	}
	if cmd.Flags().Changed("lda-x") {
		files.EmulateLDAX = f.emulateLDAX
	}
	if files.EmulateLDAX {
		files.X = ""
	}
	return files
}

func buildData(files dataset.Files, cfg *config.Config) (*dataset.Data, error) {
	if files.Purchases == "" || files.H == "" {
		return nil, fmt.Errorf("no input: set --data, --purchases and --h, or the data section of the configuration")
	}
	raw, err := files.Load()
	if err != nil {
		return nil, err
	}
	return dataset.Build(raw,
		dataset.WithWorkers(cfg.Data.Workers),
		dataset.WithTolerance(cfg.Data.Tolerance),
	)
}

func newIndexCmd(root *rootOptions) *cobra.Command {
	var (
		data   dataFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and verify the purchase index and print its summary",
		Long: `Reads the purchase history, builds the customer, basket and purchase
index with its aggregate statistics, re-verifies every invariant and prints
the headline counts.

Examples:
  cavi index --data data
  cavi index --purchases p.csv --x x.csv --h h.csv --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			d, err := buildData(data.files(cmd, cfg), cfg)
			if err != nil {
				return err
			}
			if err := d.Validate(cfg.Data.Tolerance); err != nil {
				return err
			}
			s := d.Summary()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			return printSummary(cmd.OutOrStdout(), s)
		},
	}
	data.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func printSummary(w io.Writer, s dataset.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "customers\t%d\n", s.Customers)
	fmt.Fprintf(tw, "baskets\t%d\n", s.Baskets)
	fmt.Fprintf(tw, "purchases\t%d\n", s.Purchases)
	fmt.Fprintf(tw, "products\t%d\n", s.Products)
	fmt.Fprintf(tw, "trip covariates\t%d\n", s.DimX)
	fmt.Fprintf(tw, "customer covariates\t%d\n", s.DimH)
	fmt.Fprintf(tw, "max baskets per customer\t%d\n", s.MaxBaskets)
	fmt.Fprintf(tw, "max basket size\t%d\n", s.MaxBasketSz)
	fmt.Fprintf(tw, "lda-x\t%t\n", s.LDAX)
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}
