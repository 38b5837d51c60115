// Package hyperliquid streams order books from the Hyperliquid websocket API.
package hyperliquid

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coinlordd/pear-limit-engine/models"
	"github.com/coinlordd/pear-limit-engine/reader/wsclient"
)

// Client is a wsclient.Client speaking the Hyperliquid protocol.
type Client struct {
	*wsclient.Client[SubscriptionPayload, Message]
}

func NewClient(opts wsclient.Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Name == "" {
		opts.Name = "hyperliquid"
	}
	return &Client{Client: wsclient.New[SubscriptionPayload, Message](Protocol{}, opts)}
}

// Book subscribes to the l2Book stream of symbol and hands each update to fn
// in exchange-neutral form. The returned func unsubscribes fn.
func (c *Client) Book(symbol string, fn func(models.Book) error) func() {
	return c.Subscribe(SubscriptionPayload{Type: channelL2Book, Coin: symbol}, func(m Message) error {
		book, err := ToBook(m.Book)
		if err != nil {
			return err
		}
		return fn(book)
	})
}

// ToBook maps an l2Book payload to models.Book.
func ToBook(b L2Book) (models.Book, error) {
	bids, err := mapLevels(b.Levels[0])
	if err != nil {
		return models.Book{}, fmt.Errorf("%s bids: %w", b.Coin, err)
	}
	asks, err := mapLevels(b.Levels[1])
	if err != nil {
		return models.Book{}, fmt.Errorf("%s asks: %w", b.Coin, err)
	}
	return models.Book{
		Exchange:  "hyperliquid",
		Symbol:    b.Coin,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(b.Time),
	}, nil
}

func mapLevels(levels []L2BookLevel) ([]models.BookLevel, error) {
	out := make([]models.BookLevel, 0, len(levels))
	for _, l := range levels {
		px, err := strconv.ParseFloat(l.Px, 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", l.Px, err)
		}
		sz, err := strconv.ParseFloat(l.Sz, 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", l.Sz, err)
		}
		out = append(out, models.BookLevel{Price: px, Size: sz, Count: l.N})
	}
	return out, nil
}
