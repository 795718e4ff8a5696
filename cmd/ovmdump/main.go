// ovmdump - bytecode image inspector
//
// Reads compiled-function images and prints each function's
// disassembly, with the VM tunables resolved from octavevm.toml.
//
// Build: go build ./cmd/ovmdump
// Usage:
//
//	ovmdump image.ovmi [image2.ovmi ...]
//	ovmdump --config dir/octavevm.toml image.ovmi
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/nsesodia/octave-vm/internal/bytecode"
	"github.com/nsesodia/octave-vm/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to octavevm.toml (defaults to the working directory's)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("ovmdump")

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadDir(".")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ovmdump: %v\n", err)
		os.Exit(1)
	}
	log.Infof("config dir: %s, stack size: %d", cfg.Dir, cfg.Stack.Size)

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ovmdump [--config octavevm.toml] image.ovmi ...")
		os.Exit(2)
	}

	for _, path := range flag.Args() {
		img, err := bytecode.ReadImageFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ovmdump: %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("; image %s (build %s, version %d, %d functions)\n",
			path, img.BuildID, img.Version, len(img.Functions))

		names := img.Names()
		sort.Strings(names)
		for _, name := range names {
			chunk, err := img.Chunk(name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ovmdump: %s: %v\n", name, err)
				os.Exit(1)
			}
			fmt.Println(chunk.Disassemble())
		}
	}
}
