package bench

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables that override configuration keys,
// e.g. TMBENCH_WORKER_MAXINFLIGHT.
const EnvPrefix = "TMBENCH"

// NewViper returns a viper instance with our environment conventions.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(path string) (*viper.Viper, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, NewError(ErrFailedToReadConfigFile, err, path)
	}
	return v, nil
}

// LoadBenchmarkConfig reads and validates a benchmark file (YAML or JSON).
// Rounds are decoded one by one so that a type error points at the offending
// round. All rounds are validated before this returns.
func LoadBenchmarkConfig(path string) (*BenchmarkConfig, error) {
	v, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var cfg BenchmarkConfig
	if err := v.UnmarshalKey("monitors", &cfg.Monitors); err != nil {
		return nil, NewError(ErrInvalidConfig, err, "monitors")
	}
	if err := v.UnmarshalKey("observer", &cfg.Observer); err != nil {
		return nil, NewError(ErrInvalidConfig, err, "observer")
	}
	cfg.Test.Name = v.GetString("test.name")
	cfg.Test.Description = v.GetString("test.description")
	cfg.Test.Workers.Number = v.GetInt("test.workers.number")

	rawRounds, ok := v.Get("test.rounds").([]interface{})
	if !ok {
		return nil, Errorf(ErrInvalidConfig, `benchmark configuration attribute "test.rounds" must be a list`)
	}
	cfg.Test.Rounds = make([]RoundConfig, len(rawRounds))
	for i, raw := range rawRounds {
		if err := decodeRound(raw, &cfg.Test.Rounds[i]); err != nil {
			return nil, NewError(ErrInvalidConfig, err, roundLabel(i))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func roundLabel(i int) string {
	return fmt.Sprintf("round %d", i+1)
}

func decodeRound(raw interface{}, out *RoundConfig) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
		// numbers must be numbers: "trim: abc" is a configuration error
		WeaklyTypedInput: false,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return dec.Decode(raw)
}

// LoadNetworkConfig reads the adapter selection file.
func LoadNetworkConfig(path string) (*NetworkConfig, error) {
	v, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var cfg NetworkConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, NewError(ErrInvalidConfig, err, path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
