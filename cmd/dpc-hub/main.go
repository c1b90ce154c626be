/*
File Name:  main.go
Author:     dpc contributors

Entry point for the Federation Hub server.
*/

package main

import (
	"flag"
	"log"

	"github.com/dpcmesh/dpc/internal/config"
	"github.com/dpcmesh/dpc/internal/hub"
)

func main() {
	configFile := flag.String("config", "hub.yaml", "path to the Hub's YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadHubConfig(*configFile)
	if err != nil {
		log.Fatalf("dpc-hub: loading config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("dpc-hub: JWTSecret must be set in the Hub configuration")
	}

	h := hub.New([]byte(cfg.JWTSecret), cfg.LocalCallbackPort)

	if cfg.GeoIPDatabase != "" {
		gate, err := hub.NewGeoGate(cfg.GeoIPDatabase, cfg.BlockedCountries)
		if err != nil {
			log.Fatalf("dpc-hub: loading GeoIP database: %v", err)
		}
		h.EnableGeoGating(gate)
	}

	if err := hub.Serve(h, cfg.ListenAddress, cfg.UseSSL, cfg.CertificateFile, cfg.CertificateKey); err != nil {
		log.Fatalf("dpc-hub: %v", err)
	}
}
