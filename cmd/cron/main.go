// Command cron runs the scheduled billing jobs. Every job takes a distributed
// lock before it starts, so replicas do not double charge.
package main

import (
	"os"

	"github.com/fatflowers/billing/internal/app"
)

func main() {
	os.Exit(app.Run("cron", app.CronModule))
}
