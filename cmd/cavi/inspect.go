package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/checkpoint"
	"github.com/n0madic/go-basket-cavi/objective"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print snapshots, objective logs and run directories",
	}
	cmd.AddCommand(
		newInspectCheckpointCmd(),
		newInspectLogCmd(),
		newInspectRunCmd(),
	)
	return cmd
}

// arrayStats summarises one snapshot array.
type arrayStats struct {
	Name  string  `json:"name"`
	Shape []int   `json:"shape"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

type checkpointReport struct {
	RunID     string       `json:"run_id"`
	Iteration int          `json:"iteration"`
	Arrays    []arrayStats `json:"arrays"`
}

func newInspectCheckpointCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "checkpoint PATH",
		Short: "Summarise every array of a state snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			rep := checkpointReport{RunID: snap.RunID, Iteration: snap.Iteration}
			for _, a := range snap.Arrays {
				rep.Arrays = append(rep.Arrays, summarise(a.Name, a.Shape, a.Data))
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			return printCheckpoint(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func summarise(name string, shape []int, data []float64) arrayStats {
	s := arrayStats{Name: name, Shape: shape}
	if len(data) == 0 {
		return s
	}
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range data {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += v
	}
	s.Mean = sum / float64(len(data))
	return s
}

func printCheckpoint(w io.Writer, rep checkpointReport) error {
	fmt.Fprintf(w, "run %s, iteration %d\n", rep.RunID, rep.Iteration)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARRAY\tSHAPE\tMIN\tMAX\tMEAN")
	for _, a := range rep.Arrays {
		fmt.Fprintf(tw, "%s\t%v\t%.4g\t%.4g\t%.4g\n", a.Name, a.Shape, a.Min, a.Max, a.Mean)
	}
	return tw.Flush()
}

// logRow is one objective evaluation. Iteration is -1 for the baseline.
type logRow struct {
	Iteration int                `json:"iteration"`
	Total     float64            `json:"total"`
	Terms     map[string]float64 `json:"terms"`
}

func readLogRows(path string) ([]logRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := objective.ReadLog(f)
	if err != nil {
		return nil, err
	}
	rows := make([]logRow, len(recs))
	for i, rec := range recs {
		terms := make(map[string]float64, len(rec.Terms))
		for _, t := range rec.Terms {
			terms[t.Name] = t.Value
		}
		rows[i] = logRow{Iteration: i - 1, Total: rec.Total, Terms: terms}
	}
	return rows, nil
}

func newInspectLogCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "log PATH",
		Short: "Print the objective log with per-iteration changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readLogRows(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ITERATION\tOBJECTIVE\tDELTA")
			for i, r := range rows {
				it := fmt.Sprint(r.Iteration)
				if r.Iteration < 0 {
					it = "baseline"
				}
				delta := ""
				if i > 0 {
					delta = fmt.Sprintf("%+.6g", r.Total-rows[i-1].Total)
				}
				fmt.Fprintf(tw, "%s\t%.6f\t%s\n", it, r.Total, delta)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

type runReport struct {
	Manifest  checkpoint.Manifest `json:"manifest"`
	Snapshots []string            `json:"snapshots"`
	Completed int                 `json:"completed_iterations"`
	Objective float64             `json:"objective"`
}

func newInspectRunCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run DIR",
		Short: "Summarise a fit output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			m, err := checkpoint.ReadManifest(dir)
			if err != nil {
				return err
			}
			snaps, err := checkpoint.List(dir)
			if err != nil {
				return err
			}
			rep := runReport{Manifest: m}
			for _, s := range snaps {
				rep.Snapshots = append(rep.Snapshots, filepath.Base(s))
			}
			rows, err := readLogRows(filepath.Join(dir, cavi.ObjectiveLogFile))
			if err != nil {
				return err
			}
			rep.Completed = len(rows) - 1
			rep.Objective = rows[len(rows)-1].Total

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			w := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "run id\t%s\n", m.RunID)
			fmt.Fprintf(tw, "created\t%s\n", m.Created.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(tw, "dims\tN=%d B=%d I=%d J=%d M=%d Dx=%d Dh=%d\n",
				m.Dims.N, m.Dims.B, m.Dims.I, m.Dims.J, m.Dims.M, m.Dims.Dx, m.Dims.Dh)
			fmt.Fprintf(tw, "iterations\t%d of %d\n", rep.Completed, m.NIter)
			fmt.Fprintf(tw, "objective\t%.6f\n", rep.Objective)
			fmt.Fprintf(tw, "fixed\t%v\n", m.Fixed)
			fmt.Fprintf(tw, "format\t%s/%s every %d\n", m.Codec, m.Compression, m.Every)
			fmt.Fprintf(tw, "snapshots\t%d\n", len(rep.Snapshots))
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
