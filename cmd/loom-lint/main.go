// Command loom-lint validates plan definition files without running them.
// It prints every schema error, cycle, and dead-event warning, and exits
// non-zero when any file fails validation.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/casualjim/loom/plan"
	"github.com/fatih/color"
)

func main() {
	warnDead := flag.Bool("warn-dead", true, "report events no step consumes")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] plan.json ...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		if !lintFile(path, *warnDead) {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func lintFile(path string, warnDead bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("error:"), path, err)
		return false
	}
	p, err := plan.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("error:"), path, err)
		return false
	}

	res := plan.Validate(p)
	header := fmt.Sprintf("%s (%s, %s)", path, p.Name, p.GraphType)

	for _, verr := range res.Errors {
		var cycle plan.CycleError
		if errors.As(verr, &cycle) {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("cycle:"), header, verr)
			continue
		}
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("error:"), header, verr)
	}
	if warnDead {
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", color.YellowString("warning:"), header, w)
		}
	}

	if res.Valid() {
		fmt.Printf("%s %s\n", color.GreenString("ok:"), header)
		return true
	}
	return false
}
