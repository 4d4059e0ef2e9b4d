// Package config loads the settings of a fit: defaults, then an optional
// YAML file, then CAVI_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/checkpoint"
	"github.com/n0madic/go-basket-cavi/logging"
	"github.com/n0madic/go-basket-cavi/state"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with a double underscore: CAVI_RUN__N_ITER sets run.n_iter.
const EnvPrefix = "CAVI_"

// Config is the complete fit configuration.
type Config struct {
	Data       DataConfig       `koanf:"data"`
	Run        RunConfig        `koanf:"run"`
	Prior      PriorConfig      `koanf:"prior"`
	Tuning     TuningConfig     `koanf:"tuning"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Log        logging.Config   `koanf:"log"`

	// Fixed lists blocks frozen at their initial values in addition to the
	// ones the reference procedures never update.
	Fixed   []string `koanf:"fixed" validate:"dive,oneof=phi beta gamma rho delta delta_kappa delta_beta delta_gamma tau_alpha mu_kappa lambda_kappa"`
	Factors int      `koanf:"factors" validate:"min=1"`
	Seed    int64    `koanf:"seed"`
}

// DataConfig locates the input CSV files.
type DataConfig struct {
	Purchases          string  `koanf:"purchases"`
	TripCovariates     string  `koanf:"trip_covariates"`
	CustomerCovariates string  `koanf:"customer_covariates"`
	EmulateLDAX        bool    `koanf:"emulate_lda_x"`
	Workers            int     `koanf:"workers" validate:"min=0"`
	Tolerance          float64 `koanf:"tolerance" validate:"gt=0"`
}

// RunConfig controls the driver.
type RunConfig struct {
	NIter            int    `koanf:"n_iter" validate:"min=1"`
	NSavePer         int    `koanf:"n_save_per" validate:"min=1"`
	NPrintPer        int    `koanf:"n_print_per" validate:"min=1"`
	CheckConsistency bool   `koanf:"check_consistency"`
	Profile          bool   `koanf:"profile"`
	Metrics          bool   `koanf:"metrics"`
	OutputDir        string `koanf:"output_dir" validate:"required"`
}

// PriorConfig holds the hyperparameters. The rho, delta and kappa entries
// are passed through to Prior for external procedures; the reference
// procedures keep those blocks fixed.
type PriorConfig struct {
	EtaPhi           float64 `koanf:"eta_phi" validate:"gt=0"`
	BetaPrecision    float64 `koanf:"beta_precision" validate:"gt=0"`
	GammaPrecision   float64 `koanf:"gamma_precision" validate:"gt=0"`
	RhoPrecision     float64 `koanf:"rho_precision" validate:"gt=0"`
	DeltaPrecision   float64 `koanf:"delta_precision" validate:"gt=0"`
	TauAlphaShape    float64 `koanf:"tau_alpha_shape" validate:"gt=0"`
	TauAlphaRate     float64 `koanf:"tau_alpha_rate" validate:"gt=0"`
	MuKappaPrecision float64 `koanf:"mu_kappa_precision" validate:"gt=0"`
	LambdaKappaDoF   float64 `koanf:"lambda_kappa_dof" validate:"gt=0"`
	LambdaKappaScale float64 `koanf:"lambda_kappa_scale" validate:"gt=0"`
}

// TuningConfig controls the local step.
type TuningConfig struct {
	MaxHalvings int     `koanf:"max_halvings" validate:"min=0"`
	InitStep    float64 `koanf:"init_step" validate:"gt=0"`
	StepTol     float64 `koanf:"step_tol" validate:"gt=0"`
}

// CheckpointConfig selects the snapshot format. Every defaults to
// run.n_save_per when zero.
type CheckpointConfig struct {
	Codec       string `koanf:"codec" validate:"oneof=gob cbor"`
	Compression string `koanf:"compression" validate:"oneof=none zstd lz4"`
	Every       int    `koanf:"every" validate:"min=0"`
}

// Default returns the configuration used before any file or environment
// override.
func Default() *Config {
	prior := cavi.DefaultPrior()
	tuning := cavi.DefaultTuning()
	return &Config{
		Data: DataConfig{Tolerance: 1e-9},
		Run: RunConfig{
			NIter:            100,
			NSavePer:         10,
			NPrintPer:        1,
			CheckConsistency: false,
			OutputDir:        "out",
		},
		Prior: PriorConfig{
			EtaPhi:           prior.EtaPhi,
			BetaPrecision:    prior.BetaPrecision,
			GammaPrecision:   prior.GammaPrecision,
			RhoPrecision:     prior.RhoPrecision,
			DeltaPrecision:   prior.DeltaPrecision,
			TauAlphaShape:    prior.TauAlphaShape,
			TauAlphaRate:     prior.TauAlphaRate,
			MuKappaPrecision: prior.MuKappaPrecision,
			LambdaKappaDoF:   prior.LambdaKappaDoF,
			LambdaKappaScale: prior.LambdaKappaScale,
		},
		Tuning: TuningConfig{
			MaxHalvings: tuning.MaxHalvings,
			InitStep:    tuning.InitStep,
			StepTol:     tuning.StepTol,
		},
		Checkpoint: CheckpointConfig{Codec: "gob", Compression: "zstd"},
		Log:        logging.DefaultConfig(),
		Factors:    5,
		Seed:       1,
	}
}

// Load layers the defaults, the YAML file at path (skipped when path is
// empty) and the CAVI_ environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	// env values arrive as strings; fixed is comma separated there
	if raw, ok := k.Get("fixed").(string); ok {
		if err := k.Set("fixed", splitList(raw)); err != nil {
			return nil, fmt.Errorf("parse fixed: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps CAVI_RUN__N_ITER to run.n_iter.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its range.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// CAVI returns the driver configuration.
func (c *Config) CAVI() cavi.Config {
	return cavi.Config{
		NIter:            c.Run.NIter,
		NSavePer:         c.Run.NSavePer,
		NPrintPer:        c.Run.NPrintPer,
		CheckConsistency: c.Run.CheckConsistency,
		Profile:          c.Run.Profile,
		OutputDir:        c.Run.OutputDir,
	}
}

// PriorValues returns the hyperparameters.
func (c *Config) PriorValues() cavi.Prior {
	p := c.Prior
	return cavi.Prior{
		EtaPhi:           p.EtaPhi,
		BetaPrecision:    p.BetaPrecision,
		GammaPrecision:   p.GammaPrecision,
		RhoPrecision:     p.RhoPrecision,
		DeltaPrecision:   p.DeltaPrecision,
		TauAlphaShape:    p.TauAlphaShape,
		TauAlphaRate:     p.TauAlphaRate,
		MuKappaPrecision: p.MuKappaPrecision,
		LambdaKappaDoF:   p.LambdaKappaDoF,
		LambdaKappaScale: p.LambdaKappaScale,
	}
}

// TuningValues returns the local step settings.
func (c *Config) TuningValues() cavi.Tuning {
	return cavi.Tuning{MaxHalvings: c.Tuning.MaxHalvings, InitStep: c.Tuning.InitStep, StepTol: c.Tuning.StepTol}
}

// FixedBlocks parses Fixed.
func (c *Config) FixedBlocks() ([]state.Block, error) {
	out := make([]state.Block, 0, len(c.Fixed))
	for _, name := range c.Fixed {
		b, err := state.ParseBlock(name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// SinkOptions returns the checkpoint options for a run with id runID.
func (c *Config) SinkOptions(runID string) ([]checkpoint.Option, error) {
	codec, err := checkpoint.ParseCodec(c.Checkpoint.Codec)
	if err != nil {
		return nil, err
	}
	comp, err := checkpoint.ParseCompression(c.Checkpoint.Compression)
	if err != nil {
		return nil, err
	}
	every := c.Checkpoint.Every
	if every == 0 {
		every = c.Run.NSavePer
	}
	return []checkpoint.Option{
		checkpoint.WithEvery(every),
		checkpoint.WithCodec(codec),
		checkpoint.WithCompression(comp),
		checkpoint.WithRunID(runID),
	}, nil
}

// Map returns the configuration as a nested map keyed like the YAML file.
func (c *Config) Map() (map[string]any, error) {
	return structs.Provider(c, "koanf").Read()
}
