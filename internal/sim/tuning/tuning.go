package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the env tag of every field.
const EnvPrefix = "ROLLBACK_"

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	FPS             int   `yaml:"fps" json:"fps" env:"FPS"`
	NumPlayers      int   `yaml:"num_players" json:"num_players" env:"NUM_PLAYERS"`
	MaxPrediction   int   `yaml:"max_prediction" json:"max_prediction" env:"MAX_PREDICTION"`
	CheckDistance   int   `yaml:"check_distance" json:"check_distance" env:"CHECK_DISTANCE"`
	MaxStepsPerTick int   `yaml:"max_steps_per_tick" json:"max_steps_per_tick" env:"MAX_STEPS_PER_TICK"`
	InputSeed       int64 `yaml:"input_seed" json:"input_seed" env:"INPUT_SEED"`
	Verbose         bool  `yaml:"verbose" json:"verbose" env:"VERBOSE"`
}

func Defaults() Tuning {
	return Tuning{
		FPS:           60,
		NumPlayers:    2,
		MaxPrediction: 8,
		CheckDistance: 2,
		InputSeed:     1,
	}
}

// Load reads a tuning file on top of Defaults, then applies ROLLBACK_*
// environment overrides. A missing file is returned as the os error so
// callers can fall back to Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := Parse(raw, &t); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// FromEnv is Defaults plus environment overrides, for runs without a file.
func FromEnv() (Tuning, error) {
	t := Defaults()
	if err := applyEnv(&t); err != nil {
		return t, err
	}
	return t, t.Validate()
}

// Parse decodes a YAML document into t. Keys absent from the document keep
// the value already in t.
func Parse(raw []byte, t *Tuning) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("tuning.yaml: %w", err)
	}
	if doc != nil {
		if err := validateDoc(doc); err != nil {
			return err
		}
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := applyEnv(t); err != nil {
		return err
	}
	return t.Validate()
}

func applyEnv(t *Tuning) error {
	if err := env.ParseWithOptions(t, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("tuning env: %w", err)
	}
	return nil
}

// Validate checks the effective values against the schema and the rules it
// cannot express.
func (t Tuning) Validate() error {
	if err := validateDoc(t); err != nil {
		return err
	}
	if t.CheckDistance >= t.MaxPrediction {
		return fmt.Errorf("tuning: check_distance %d must be below max_prediction %d", t.CheckDistance, t.MaxPrediction)
	}
	return nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("tuning.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateDoc runs v through the schema. v is normalized to plain JSON values
// first; the validator does not accept Go integer types.
func validateDoc(v any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("tuning schema: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	return nil
}
