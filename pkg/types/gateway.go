package types

// GatewayKey identifies a payment gateway.
type GatewayKey string

const (
	GatewayCard  GatewayKey = "card"
	GatewayFree  GatewayKey = "free"
	GatewayApple GatewayKey = "apple"
)

type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusSuccess  TransactionStatus = "success"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusRefunded TransactionStatus = "refunded"
)

type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeRenewal  TransactionType = "renewal"
	TransactionTypeGift     TransactionType = "gift"
	TransactionTypeImport   TransactionType = "import"
)
