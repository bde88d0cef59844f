package main

import (
	"log"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"

	_ "github.com/klipach/ultcom"
	"github.com/klipach/ultcom/config"
)

func main() {
	log.Println("Started")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v\n", err)
	}
	if err := funcframework.Start(cfg.Port); err != nil {
		log.Fatalf("funcframework.Start: %v\n", err)
	}

	log.Println("Done")
}
