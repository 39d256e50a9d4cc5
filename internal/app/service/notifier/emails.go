package notifier

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

type message struct {
	subject func(v Vars) string
	body    func(v Vars) templ.Component
}

var messages = map[Template]message{
	TemplateCartAbandoned: {
		subject: func(v Vars) string { return fmt.Sprintf("Your %s subscription is waiting", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			return group(
				greeting(v),
				paragraph(textf("You left a %s (%s) subscription in your cart. It is still there whenever you are ready.", v.str("PlanName"), v.str("CycleName"))),
				paragraph(link(v.str("SiteURL")+"/cart", "Return to your cart")),
			)
		},
	},
	TemplateSubscriptionReceipt: {
		subject: func(v Vars) string { return fmt.Sprintf("Receipt for your %s subscription", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			return group(
				greeting(v),
				paragraph(text("Thanks for your payment. Here is your receipt.")),
				receiptTable(lineItems(v["LineItems"]), v.str("Amount")),
				paragraph(textf("Transaction: %s", v.str("TransactionID"))),
				when(v.str("NextTransactionAt") != "", paragraph(textf("Your subscription renews on %s.", v.str("NextTransactionAt")))),
			)
		},
	},
	TemplatePaymentFailed: {
		subject: func(v Vars) string { return fmt.Sprintf("We could not process your %s payment", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			return group(
				greeting(v),
				paragraph(textf("Your payment of %s for %s failed: %s", v.str("Amount"), v.str("PlanName"), v.str("Message"))),
				paragraph(
					text("We will try again. To keep your access, please "),
					link(v.str("SiteURL")+"/account/billing", "update your payment method"),
					textf(" before %s.", v.str("GraceEndsAt")),
				),
			)
		},
	},
	TemplatePaymentFailedFinal: {
		subject: func(v Vars) string { return fmt.Sprintf("Your %s subscription has ended", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			return group(
				greeting(v),
				paragraph(textf("We were unable to collect payment for %s and the grace period is over, so the subscription has ended.", v.str("PlanName"))),
				paragraph(text("You can "), link(v.str("SiteURL")+"/pricing", "subscribe again"), text(" at any time.")),
			)
		},
	},
	TemplateUpcomingRenewal: {
		subject: func(v Vars) string { return fmt.Sprintf("Your %s subscription renews soon", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			return group(
				greeting(v),
				paragraph(textf("Your %s (%s) subscription renews on %s for %s.", v.str("PlanName"), v.str("CycleName"), v.str("NextTransactionAt"), v.str("Amount"))),
				paragraph(
					text("If you do not want to renew, you can "),
					link(v.str("SiteURL")+"/account/billing", "cancel it"),
					text(" before then."),
				),
			)
		},
	},
	TemplateGiftRecipient: {
		subject: func(v Vars) string {
			if from := v.str("GifterEmail"); from != "" {
				return fmt.Sprintf("%s sent you a %s subscription", from, v.str("PlanName"))
			}
			return fmt.Sprintf("You received a %s subscription", v.str("PlanName"))
		},
		body: func(v Vars) templ.Component {
			given := "You have been given"
			if from := v.str("GifterEmail"); from != "" {
				given = from + " has given you"
			}
			return group(
				paragraph(text("Hello,")),
				paragraph(textf("%s %s x %s of %s.", given, v.str("Duration"), v.str("CycleName"), v.str("PlanName"))),
				when(v.str("Message") != "", element("blockquote", text(v.str("Message")))),
				paragraph(link(v.str("SiteURL")+"/gift/"+v.str("Key"), "Redeem your gift")),
			)
		},
	},
	TemplateGiftGifterRedeemed: {
		subject: func(v Vars) string { return fmt.Sprintf("Your gift to %s was redeemed", v.str("RecipientEmail")) },
		body: func(v Vars) templ.Component {
			return group(
				paragraph(text("Hello,")),
				paragraph(textf("%s has redeemed the %s subscription you gave them. Thank you!", v.str("RecipientEmail"), v.str("PlanName"))),
			)
		},
	},
	TemplateGiftRecipientRedeemed: {
		subject: func(v Vars) string { return fmt.Sprintf("Your %s gift is active", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			return group(
				greeting(v),
				paragraph(textf("Your %s gift subscription is active until %s.", v.str("PlanName"), v.str("EndAt"))),
			)
		},
	},
	TemplateGiftComplimentary: {
		subject: func(v Vars) string { return fmt.Sprintf("A complimentary %s subscription for you", v.str("PlanName")) },
		body: func(v Vars) templ.Component {
			reason := ""
			if r := v.str("Reason"); r != "" {
				reason = " (" + r + ")"
			}
			return group(
				paragraph(text("Hello,")),
				paragraph(textf("We have added %s x %s of %s for you%s.", v.str("Duration"), v.str("CycleName"), v.str("PlanName"), reason)),
				paragraph(link(v.str("SiteURL")+"/gift/"+v.str("Key"), "Redeem it here")),
			)
		},
	},
}

func (v Vars) str(key string) string {
	switch x := v[key].(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// layout wraps the children in the page shell and the merchant footer.
func layout(siteURL, merchant string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!doctype html>
<html>
<body style="font-family: Helvetica, Arial, sans-serif; color: #222; max-width: 560px; margin: 0 auto;">
`); err != nil {
			return err
		}
		children := templ.GetChildren(ctx)
		if err := children.Render(templ.ClearChildren(ctx), w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<p style="color: #888; font-size: 12px; margin-top: 32px;">`); err != nil {
			return err
		}
		if err := group(text(merchant), templ.Raw(" &middot; "), link(siteURL, siteURL)).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</p>\n</body>\n</html>")
		return err
	})
}

func greeting(v Vars) templ.Component {
	return paragraph(textf("Hi %s,", v.str("Username")))
}

func text(s string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, templ.EscapeString(s))
		return err
	})
}

func textf(format string, args ...any) templ.Component {
	return text(fmt.Sprintf(format, args...))
}

func group(children ...templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		for _, c := range children {
			if err := c.Render(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})
}

func when(cond bool, c templ.Component) templ.Component {
	if !cond {
		return templ.NopComponent
	}
	return c
}

func element(tag string, children ...templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<"+tag+">"); err != nil {
			return err
		}
		if err := group(children...).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</"+tag+">\n")
		return err
	})
}

func paragraph(children ...templ.Component) templ.Component {
	return element("p", children...)
}

// link sanitizes href the same way templ does for href attributes.
func link(href, label string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<a href="%s">%s</a>`,
			templ.EscapeString(string(templ.URL(href))), templ.EscapeString(label))
		return err
	})
}

type lineItem struct {
	Description string
	Amount      string
}

func lineItems(raw any) []lineItem {
	var items []lineItem
	switch rows := raw.(type) {
	case []map[string]string:
		for _, r := range rows {
			items = append(items, lineItem{Description: r["Description"], Amount: r["Amount"]})
		}
	case []lineItem:
		items = rows
	}
	return items
}

func receiptTable(items []lineItem, total string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<table>\n"); err != nil {
			return err
		}
		for _, item := range items {
			if _, err := fmt.Fprintf(w, `<tr><td>%s</td><td style="text-align: right;">%s</td></tr>`+"\n",
				templ.EscapeString(item.Description), templ.EscapeString(item.Amount)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, `<tr><td><strong>Total</strong></td><td style="text-align: right;"><strong>%s</strong></td></tr>`+"\n",
			templ.EscapeString(total)); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</table>\n")
		return err
	})
}
