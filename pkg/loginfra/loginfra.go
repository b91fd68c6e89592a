// Package loginfra wires klog flags into the command line.
package loginfra

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"k8s.io/klog/v2"
)

// VerbosityEnv overrides the -v flag when set.
const VerbosityEnv = "INFERDEPLOY_VERBOSITY"

func NewFlagSet() *flag.FlagSet {
	// See https://flowerinthenight.com/blog/2019/02/05/golang-cobra-klog
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Suppress usage flag.ErrHelp
	fs.SetOutput(io.Discard)

	return fs
}

func Init() *flag.FlagSet {
	fs := NewFlagSet()

	fs = AddKlogFlags(fs, os.Getenv(VerbosityEnv))

	return Parse(fs, os.Args[1:])
}

// Parse parses the klog flags out of args. Flags it does not know are left
// for cobra.
func Parse(fs *flag.FlagSet, args []string) *flag.FlagSet {
	args = append([]string{}, args...)

	if err := fs.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) && !strings.Contains(err.Error(), "flag provided but not defined") {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	return fs
}

// AddKlogFlags registers the klog flags on fs. A non-empty verbosity sets -v.
func AddKlogFlags(fs *flag.FlagSet, verbosity string) *flag.FlagSet {
	klog.InitFlags(fs)

	// Configure klog
	_ = fs.Set("skip_headers", "true")

	if verbosity != "" {
		// -v LEVEL must preceed the remaining args to be parsed by fs
		fmt.Fprintf(os.Stderr, "Setting log verbosity to %s\n", verbosity)
		_ = fs.Set("v", verbosity)
	}

	return fs
}
