package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	ctx := context.Background()

	svc, err := service.NewPipelineService(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := svc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
		os.Exit(1)
	}
}
