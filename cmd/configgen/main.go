package main

import (
	"flag"
	"log"

	"github.com/danmuck/toolmeister/internal/config"
)

func main() {
	output := flag.String("output", config.DefaultFileName, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", config.DefaultFileName, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (controller %s, run root %s)", *input, cfg.Controller, cfg.RunRoot)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
