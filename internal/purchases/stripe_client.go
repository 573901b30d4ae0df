package purchases

import (
	"context"
	"strconv"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"

	pkgstripe "github.com/angelmondragon/creditledger-backend/pkg/stripe"
)

// Metadata keys written on checkout sessions and read back by the webhook.
const (
	MetadataUserID      = "user_id"
	MetadataPackageCode = "package_code"
	MetadataCredits     = "credits"
)

// CheckoutSessionClient exposes the Stripe checkout operations used for
// credit purchases.
type CheckoutSessionClient interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeCheckoutClient struct{}

// NewStripeCheckoutClient wraps the configured Stripe client so the purchase
// service can be tested with a fake.
func NewStripeCheckoutClient(api *pkgstripe.Client) CheckoutSessionClient {
	if api == nil {
		return nil
	}
	return &stripeCheckoutClient{}
}

func (c *stripeCheckoutClient) Create(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if params != nil {
		params.Context = ctx
	}
	return session.New(params)
}

// CheckoutSessionParams builds a one-off payment session for a package.
func CheckoutSessionParams(userID string, pkg Package, successURL, cancelURL, idempotencyKey string) *stripe.CheckoutSessionParams {
	metadata := map[string]string{
		MetadataUserID:      userID,
		MetadataPackageCode: pkg.Code,
		MetadataCredits:     strconv.FormatInt(pkg.TotalCredits(), 10),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(pkg.PriceUSDCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(pkg.Name + " credits"),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	return params
}
