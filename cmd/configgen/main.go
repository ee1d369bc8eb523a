package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/pipeline"
)

func main() {
	kind := flag.String("variant", "amicable", "pipeline variant: amicable|primorial")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-variant cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	variant, err := config.ParseVariant(*kind)
	if err != nil {
		log.Fatal(err)
	}
	base, err := pipeline.DefaultTopology(variant)
	if err != nil {
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(variant)
		}
		if err := config.CheckStrict(path); err != nil {
			log.Fatal(err)
		}
		cfg, err := config.LoadFile(path, base)
		if err != nil {
			log.Fatal(err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", variant, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(variant)
	}
	if err := config.WriteTemplate(target, base, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", variant, target)
}

func defaultPath(variant config.Variant) string {
	return filepath.Join("cmd", "workerctl", string(variant)+".config.toml")
}
