package main

import (
	"flag"
	"log"

	"github.com/danmuck/framegrab/internal/config"
)

func main() {
	kind := flag.String("kind", "framegrab", "config kind: framegrab|framesim")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing framegrab profile")
	input := flag.String("input", "framegrab.toml", "profile path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "framegrab" {
			log.Fatalf("validation covers framegrab profiles; use framesim -check for %s", *kind)
		}
		if _, err := config.LoadClientProfile(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated framegrab profile at %s", *input)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "framegrab":
			target = "framegrab.toml"
		case "framesim":
			target = "framesim.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
