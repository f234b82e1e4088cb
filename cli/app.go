// Package cli contains the annotate command line tool.
package cli

import (
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/annotator/config"
	"go.viam.com/annotator/logging"
)

const (
	// Global flags.
	flagConfig  = "config"
	flagDebug   = "debug"
	flagLogFile = "log-file"

	// Input and output flags.
	flagImage        = "image"
	flagFrames       = "frames"
	flagURL          = "url"
	flagOut          = "out"
	flagModel        = "model"
	flagColorByClass = "color-by-class"

	// Live flags.
	flagDuration       = "duration"
	flagMaxFPS         = "max-fps"
	flagSnapshotDir    = "snapshot-dir"
	flagSnapshotEvery  = "snapshot-every"
	flagHTTPAddr       = "http-addr"
	flagRestartOnFault = "restart-on-fault"
	flagWatch          = "watch"

	metadataEnv = "annotator-env"
)

// env is what the Before hook prepares for every command.
type env struct {
	logger logging.Logger
	cfg    *config.Config
}

func envFrom(c *cli.Context) (*env, error) {
	e, ok := c.App.Metadata[metadataEnv].(*env)
	if !ok {
		return nil, errors.New("annotator environment not initialized")
	}
	return e, nil
}

// NewApp returns the annotate application writing its output to out and errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return newApp(out, errOut, nil)
}

// newApp lets tests supply the base logger; nil means a stdout logger.
func newApp(out, errOut io.Writer, baseLogger logging.Logger) *cli.App {
	liveInputFlags := []cli.Flag{
		&cli.PathFlag{
			Name:  flagFrames,
			Usage: "replay the images in `DIR` in name order, looping",
		},
		&cli.PathFlag{
			Name:  flagImage,
			Usage: "run on a single still image `FILE`",
		},
		&cli.StringFlag{
			Name:  flagURL,
			Usage: "fetch each frame from a snapshot `URL`",
		},
	}
	return &cli.App{
		Name:            "annotate",
		Usage:           "detect objects in images and draw stable annotations on them",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Metadata:        map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.PathFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated",
			},
		},
		Before: func(c *cli.Context) error {
			return setup(c, baseLogger)
		},
		After: func(c *cli.Context) error {
			e, err := envFrom(c)
			if err != nil {
				return nil
			}
			//nolint:errcheck
			e.logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "run one detection pass over an image and save the annotated result",
				UsageText: "annotate detect --image <FILE> [--out FILE] [--model NAME]",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagImage,
						Required: true,
						Usage:    "image `FILE` to annotate",
					},
					&cli.PathFlag{
						Name:  flagOut,
						Usage: "where to save the annotated image; defaults to <image>-annotated.png",
					},
					&cli.StringFlag{
						Name:  flagModel,
						Usage: "model `NAME` to use instead of the configured default",
					},
					&cli.BoolFlag{
						Name:  flagColorByClass,
						Usage: "draw each class in its own color",
					},
				},
				Action: DetectAction,
			},
			{
				Name:      "live",
				Usage:     "run the continuous detection loop over a frame source",
				UsageText: "annotate live (--frames DIR | --image FILE | --url URL) [other options]",
				Flags: append(liveInputFlags,
					&cli.StringFlag{
						Name:  flagModel,
						Usage: "model `NAME` to use instead of the configured default",
					},
					&cli.BoolFlag{
						Name:  flagColorByClass,
						Usage: "draw each class in its own color",
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "stop after this long; zero runs until interrupted",
					},
					&cli.Float64Flag{
						Name:  flagMaxFPS,
						Usage: "cap the loop at this many frames per second",
					},
					&cli.PathFlag{
						Name:  flagSnapshotDir,
						Usage: "save annotated frames to `DIR`",
					},
					&cli.IntFlag{
						Name:  flagSnapshotEvery,
						Usage: "save one of every `N` annotated frames",
					},
					&cli.StringFlag{
						Name:  flagHTTPAddr,
						Usage: "serve /metrics, /frame.png and /stream.mjpeg on `ADDR`",
					},
					&cli.BoolFlag{
						Name:  flagRestartOnFault,
						Usage: "start the loop again after a source or render failure",
					},
					&cli.BoolFlag{
						Name:  flagWatch,
						Usage: "restart the loop with the new settings whenever the config file changes",
					},
				),
				Action: LiveAction,
			},
			{
				Name:   "models",
				Usage:  "list the model types this build can load",
				Action: ModelsAction,
			},
			{
				Name:   "schema",
				Usage:  "print the JSON schema of the config file and of each model type's attributes",
				Action: SchemaAction,
			},
		},
	}
}

func setup(c *cli.Context, baseLogger logging.Logger) error {
	cfg := config.Default()
	if path := c.Path(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return err
		}
	}
	if logFile := c.Path(flagLogFile); logFile != "" {
		cfg.Log.File = logFile
	}

	logger := baseLogger
	if logger == nil {
		logger = logging.NewLogger("annotator")
	}
	if err := cfg.Log.Apply(logger); err != nil {
		return err
	}
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	appender, err := cfg.Log.FileAppender()
	if err != nil {
		return err
	}
	if appender != nil {
		logger.AddAppender(appender)
	}
	logging.ReplaceGlobal(logger)
	c.App.Metadata[metadataEnv] = &env{logger: logger, cfg: cfg}
	return nil
}
