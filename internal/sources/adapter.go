package sources

import (
	"context"
	"time"

	"price-tracker/internal/models"
)

// Capabilities advertises which fetch operations a source implements.
type Capabilities struct {
	Current  bool `json:"current"`
	History  bool `json:"history"`
	Listings bool `json:"listings"`
}

// Quote is a current price in the source's currency.
type Quote struct {
	Price    float64
	AltPrice *float64 // premium finish, when the source reports one
	Currency string
}

type HistoryPoint struct {
	Time     time.Time `json:"time"`
	Price    float64   `json:"price"`
	Currency string    `json:"currency"`
}

// Listing is one individual offer on a marketplace.
type Listing struct {
	ID       string  `json:"id"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Wear     string  `json:"wear,omitempty"`
	Seller   string  `json:"seller,omitempty"`
}

// Adapter wraps exactly one external price source. Every failure is an *Error.
type Adapter interface {
	Slug() string
	Currency() string
	Capabilities() Capabilities
	MaxConcurrency() int

	FetchCurrent(ctx context.Context, item models.Item) (Quote, error)
	// FetchHistory returns points inside the lookback window in ascending time order.
	FetchHistory(ctx context.Context, item models.Item, lookback time.Duration) ([]HistoryPoint, error)
	FetchListings(ctx context.Context, item models.Item, limit int) ([]Listing, error)
}
