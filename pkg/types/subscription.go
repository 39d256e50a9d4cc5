package types

// EndReason records why a subscription stopped. Empty means it has not ended.
type EndReason string

const (
	EndReasonUserCancelled  EndReason = "user-cancelled"
	EndReasonPaymentFailed  EndReason = "payment-failed"
	EndReasonUpgraded       EndReason = "upgraded"
	EndReasonReorganization EndReason = "reorganization"
	EndReasonExpired        EndReason = "expired"
	EndReasonRefunded       EndReason = "refunded"
)

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonPurchase       SubscriptionChangeReason = "purchase"
	SubscriptionChangeReasonRenewal        SubscriptionChangeReason = "renewal"
	SubscriptionChangeReasonPaymentFailed  SubscriptionChangeReason = "paymentFailed"
	SubscriptionChangeReasonEnd            SubscriptionChangeReason = "end"
	SubscriptionChangeReasonReorganize     SubscriptionChangeReason = "reorganize"
	SubscriptionChangeReasonRelink         SubscriptionChangeReason = "relink"
	SubscriptionChangeReasonGift           SubscriptionChangeReason = "gift"
	SubscriptionChangeReasonImport         SubscriptionChangeReason = "import"
	SubscriptionChangeReasonRefresh        SubscriptionChangeReason = "refresh"
	SubscriptionChangeReasonUpcomingNotice SubscriptionChangeReason = "upcomingNotice"
)

type GiftType string

const (
	GiftTypePurchased     GiftType = "purchased"
	GiftTypeComplimentary GiftType = "complimentary"
)
