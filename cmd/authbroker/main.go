// Command authbroker is a diagnostic tool for the credential broker: it runs
// startup redirect processing, acquires a token, resolves the profile, and
// prints the resulting session as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/carevue/authbroker/internal"
	"github.com/carevue/authbroker/internal/config"
	"github.com/carevue/authbroker/internal/log"
	"github.com/joho/godotenv"
)

var BuildVersion = "dev"

func main() {
	var (
		configPath    = flag.String("config", "authbroker.json", "path to config file")
		envFile       = flag.String("env", "", "optional .env file to load before reading config")
		pageURL       = flag.String("page-url", "", "page URL to run redirect processing against")
		scopesFlag    = flag.String("scopes", "", "comma-separated resource scopes to request")
		internalToken = flag.String("internal-token", "", "internal session token to sign in with")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(BuildVersion)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.LogError("Failed to load env file %s: %v", *envFile, err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()

	app, err := internal.NewApp(ctx, cfg, nil)
	if err != nil {
		log.LogError("Failed to build broker: %v", err)
		os.Exit(1)
	}

	outcome := app.ProcessStartup(ctx, *pageURL)
	log.LogInfoWithFields("main", "Startup redirect processing complete", map[string]any{
		"outcome": outcome.String(),
	})

	if *internalToken != "" {
		if err := app.CompleteInternalSignIn(ctx, *internalToken); err != nil {
			log.LogError("Internal sign-in failed: %v", err)
			os.Exit(1)
		}
	}

	var scopes []string
	if *scopesFlag != "" {
		scopes = strings.Split(*scopesFlag, ",")
	}

	token, err := app.AccessToken(ctx, scopes)
	if err != nil {
		log.LogError("Token acquisition failed: %v", err)
		os.Exit(1)
	}

	session := app.Session()
	report := map[string]any{
		"state":         session.State().String(),
		"authenticated": token != "",
		"profile":       app.Profile(ctx),
	}
	if authErr := session.Err(); authErr != nil {
		report["error"] = authErr
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.LogError("Failed to render report: %v", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
