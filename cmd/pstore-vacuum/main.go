// Command pstore-vacuum compacts a pstore database file in place: it
// rebuilds the live index data into a fresh file and atomically replaces
// the original, reclaiming space occupied by stale, unreachable revisions.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/SNSystems/pstore-go/internal/vacuum"
	"github.com/SNSystems/pstore-go/pkg/fs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, errOut *os.File) int {
	flagSet := flag.NewFlagSet("pstore-vacuum", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	daemon := flagSet.BoolP("daemon", "d", false, "run as a long-lived background daemon instead of a single pass")
	verbose := flagSet.BoolP("verbose", "v", false, "emit debug-level logging")

	flagSet.Usage = func() {
		fmt.Fprintln(errOut, "Usage: pstore-vacuum [options] <path>")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		return 2
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()

		return 2
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: errOut}).Level(level).With().Timestamp().Logger()

	err := vacuum.Run(fs.NewReal(), flagSet.Arg(0), vacuum.Options{
		Daemon: *daemon,
		Logger: &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("vacuum failed")

		return 1
	}

	return 0
}
