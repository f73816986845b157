// Command register-model is the pipeline step that registers the trained
// safe-driver model, tagged with the metrics its parent run recorded.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
	"go.uber.org/zap"
)

const envVarPrefix = "REGISTER_MODEL"

type Config struct {
	ModelFolder string `ff:"long: model_folder, default: driver-training, usage: model location"`
	TrackingURI string `ff:"long: tracking_uri, nodefault, usage: tracking server URI; overrides MLFLOW_TRACKING_URI"`
	Experiment  string `ff:"long: experiment, nodefault, usage: experiment for a new run when MLFLOW_RUN_ID is unset"`
}

var logger = logging.New("register-model")

func newCommand(cfg *Config, l *zap.Logger) *ff.Command {
	flags := ff.NewFlagSet("register-model")
	must.Do(flags.AddStruct(cfg))

	return &ff.Command{
		Name:  "register-model",
		Usage: "register-model [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			_, err := registerModel(*cfg, l)
			return err
		},
	}
}

func main() {
	log := logger.Sugar()

	var cfg Config
	cmd := newCommand(&cfg, logger)
	err := cmd.ParseAndRun(context.Background(), os.Args[1:], ff.WithEnvVarPrefix(envVarPrefix))
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		log.Errorw("model registration failed", "error", err)
		os.Exit(1)
	}
}
