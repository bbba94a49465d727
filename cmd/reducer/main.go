// Command reducer runs the PHI-elimination pass over one or more
// JSON-encoded control-flow graphs, writing a "<base>.reduced.json" file
// for each input that reduces successfully.
//
// The real μVM IR format (the binary/textual Bundle encoding spec.md §6
// mentions) is out of this core's scope, so the driver uses a small JSON
// wire format instead; see wire.go for its shape.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/muvm/uvm-core/config"
	"github.com/muvm/uvm-core/diagnostics"
	"github.com/muvm/uvm-core/phi"
)

func main() {
	configPath := flag.String("config", "", "YAML reducer config file (defaults built in if omitted)")
	verify := flag.Bool("verify", true, "run phi.Verify on every reduced function before writing it out (ignored if -config is given)")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: reducer [-config file.yaml] [-verify] <file.json>...")
		os.Exit(2)
	}

	cfg := config.ReducerConfig{Verify: *verify}
	if *configPath != "" {
		loaded, err := config.LoadReducer(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	stderr := diagnostics.Stderr()
	failed := false
	for _, path := range files {
		if err := reduceFile(path, cfg.Verify); err != nil {
			diagnostics.Diagnostic{Level: diagnostics.LevelError, Source: "reducer", Msg: err.Error()}.WriteTo(stderr)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func reduceFile(path string, verify bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	wf, err := decodeWireFunc(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fn, err := wf.toFunc()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	reduced, err := phi.Reduce(fn)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if verify {
		if err := phi.Verify(reduced); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	out, err := encodeWireFunc(fromFunc(reduced))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	outPath := reducedPath(path)
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("%s: %w", outPath, err)
	}
	return nil
}

func reducedPath(path string) string {
	ext := ".json"
	base := strings.TrimSuffix(path, ext)
	return base + ".reduced" + ext
}
