package utils

import (
	"os"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
)

// InitNewRelicApp creates the APM application. It returns nil when no license key is
// configured or the agent cannot be created; every caller treats a nil app as "APM off".
func InitNewRelicApp(appName, licenseKey string, verbose bool) *newrelic.Application {
	if appName == "" || licenseKey == "" {
		log.Debug("New Relic APM disabled, app name or license key not set")
		return nil
	}

	opts := []newrelic.ConfigOption{
		newrelic.ConfigAppName(appName),
		newrelic.ConfigLicense(licenseKey),
		newrelic.ConfigDatastoreRawQuery(false),
	}
	if verbose {
		opts = append(opts, newrelic.ConfigDebugLogger(os.Stdout))
	}
	app, err := newrelic.NewApplication(opts...)
	if err != nil {
		log.Error("Error creating new relic application: %s", err.Error())
		return nil
	}

	// Ensure the application is connected
	if err := app.WaitForConnection(10 * time.Second); err != nil {
		log.Warn("New Relic application did not connect yet: %v", err)
	} else {
		log.Debug("New Relic application initialized successfully")
	}
	return app
}

func FatalIfErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
