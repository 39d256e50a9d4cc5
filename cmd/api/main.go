package main

// @title           Billing API
// @version         1.0
// @description     Subscription billing: carts, checkout, gifts, vouchers and App Store notifications.
// @termsOfService  http://example.com/terms/

// @contact.name   API Support
// @contact.url    http://www.example.com/support
// @contact.email  support@example.com

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8888
// @BasePath  /

// @securityDefinitions.apikey  AdminBearer
// @in                          header
// @name                        Authorization
// @description                 Admin JWT as "Bearer <token>"

import (
	"os"

	"github.com/fatflowers/billing/internal/app"
)

func main() {
	os.Exit(app.Run("api", app.ApiModule))
}
