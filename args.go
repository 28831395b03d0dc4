package main

import (
	"path/filepath"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// Args are command line arguments.
type Args struct {
	ConfigFile string

	// How many times -v was given.
	Verbosity int

	// Print the version and exit.
	Version bool
}

func getArgs(arguments []string) (Args, error) {
	fs := flag.NewFlagSet("catbox", flag.ContinueOnError)

	configFile := fs.StringP("config", "c", "", "Configuration file.")
	verbosity := fs.CountP("verbose", "v",
		"Log more. Repeat for more detail (-vv logs expected errors too).")
	version := fs.Bool("version", false, "Print the version and exit.")

	if err := fs.Parse(arguments); err != nil {
		return Args{}, errors.Wrap(err, "invalid arguments")
	}

	if *version {
		return Args{Version: true}, nil
	}

	if len(*configFile) == 0 {
		fs.PrintDefaults()
		return Args{}, errors.New("you must provide a configuration file")
	}

	configPath, err := filepath.Abs(*configFile)
	if err != nil {
		return Args{}, errors.Wrapf(err,
			"unable to determine absolute path to config file: %s", *configFile)
	}

	return Args{
		ConfigFile: configPath,
		Verbosity:  *verbosity,
	}, nil
}
