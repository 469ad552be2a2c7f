package args

import (
	sdkArgs "github.com/newrelic/infra-integrations-sdk/v3/args"
)

// ArgumentList holds the command line and environment settings. Non-empty values
// override the matching entries of the configuration file.
type ArgumentList struct {
	sdkArgs.DefaultArgumentList
	ConfigPath    string `default:"" help:"Path to the YAML configuration file."`
	ListenAddr    string `default:"" help:"Address the performance API listens on."`
	RoutePrefix   string `default:"" help:"Route prefix of the performance API."`
	AdminToken    string `default:"" help:"Bearer token required by the performance API."`
	RedisAddr     string `default:"" help:"Redis address for the durable cache. Empty uses an in-process cache."`
	RedisPassword string `default:"" help:"Redis password."`
	RedisDB       int    `default:"0" help:"Redis database number."`
	MysqlDSN      string `default:"" help:"DSN of the monitored MySQL database. Empty disables EXPLAIN and driver pool statistics."`
	LicenseKey    string `default:"" help:"New Relic license key for APM instrumentation."`
	AppName       string `default:"" help:"New Relic APM application name."`
	ShowVersion   bool   `default:"false" help:"Print build information and exit"`
}
