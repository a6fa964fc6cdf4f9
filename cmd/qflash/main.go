// Command qflash reads, writes and erases a QSPI NOR flash through the qflash
// driver, either on a simulated controller backed by an image file or on a
// flash wired to the MPSSE port of an FTDI FT2232H.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gentam/qflash/qspi/spibridge"
	"github.com/spf13/cobra"
)

type options struct {
	backend  string
	image    string
	config   string
	clock    clockFlag
	timeout  time.Duration
	logLevel string
	singleIO bool
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{clock: clockFlag(spibridge.DefaultClock)}
	root := &cobra.Command{
		Use:           "qflash",
		Short:         "QSPI NOR flash utility",
		Long:          "Read, write and erase an N25Q NOR flash on a simulated QSPI controller or an FT2232H.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.backend, "backend", "sim", "controller: sim|ftdi")
	pf.StringVar(&opts.image, "image", "", "image file backing the simulated flash, saved on exit")
	pf.StringVar(&opts.config, "config", "", "JSON device configuration file")
	pf.Var(&opts.clock, "clock", "SPI clock of the ftdi backend")
	pf.DurationVar(&opts.timeout, "timeout", 0, "bound on every hardware wait (0: none)")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "debug|info|warn|error")
	pf.BoolVar(&opts.singleIO, "single-io", false, "read and program on one line (always on with ftdi)")

	root.AddCommand(
		infoCmd(opts),
		statusCmd(opts),
		readCmd(opts),
		writeCmd(opts),
		eraseCmd(opts),
	)
	return root
}

func main() {
	must(newRootCmd().Execute())
}
