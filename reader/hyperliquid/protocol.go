package hyperliquid

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coinlordd/pear-limit-engine/reader/wsclient"
)

const (
	DefaultURL = "wss://api.hyperliquid.xyz/ws"

	channelL2Book               = "l2Book"
	channelSubscriptionResponse = "subscriptionResponse"
	channelPong                 = "pong"
	channelError                = "error"

	alreadySubscribed = "Already subscribed"
)

// SubscriptionPayload selects one stream; only l2Book is supported.
type SubscriptionPayload struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

// L2BookLevel is one price level as sent by the exchange.
type L2BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// L2Book is the data of an l2Book frame; Levels holds bids then asks.
type L2Book struct {
	Coin   string           `json:"coin"`
	Levels [2][]L2BookLevel `json:"levels"`
	Time   int64            `json:"time"`
}

// Message is a parsed inbound frame.
type Message struct {
	Channel string `json:"channel"`
	Book    L2Book `json:"data"`
}

type subscriptionBody struct {
	Type     string `json:"type"`
	Coin     string `json:"coin"`
	NSigFigs *int   `json:"nSigFigs"`
	Mantissa *int   `json:"mantissa"`
}

type outgoing struct {
	Method       string           `json:"method"`
	Subscription subscriptionBody `json:"subscription"`
}

type incoming struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Protocol implements wsclient.Protocol for the Hyperliquid info stream.
type Protocol struct{}

var _ wsclient.Protocol[SubscriptionPayload, Message] = Protocol{}

func (Protocol) SubscriptionKey(p SubscriptionPayload) string {
	return p.Type + ":" + p.Coin
}

func (Protocol) DispatchKey(m Message) string {
	return m.Channel + ":" + m.Book.Coin
}

func (Protocol) SubscribeMessage(s wsclient.Subscription[SubscriptionPayload]) any {
	return control("subscribe", s.Payload)
}

func (Protocol) UnsubscribeMessage(s wsclient.Subscription[SubscriptionPayload]) any {
	return control("unsubscribe", s.Payload)
}

func control(method string, p SubscriptionPayload) outgoing {
	return outgoing{
		Method:       method,
		Subscription: subscriptionBody{Type: p.Type, Coin: p.Coin},
	}
}

func (p Protocol) ParseIncoming(frame []byte) ([]wsclient.Dispatch[Message], error) {
	var in incoming
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch in.Channel {
	case channelSubscriptionResponse, channelPong:
		return nil, nil
	case channelError:
		var text string
		if err := json.Unmarshal(in.Data, &text); err != nil {
			text = string(in.Data)
		}
		if strings.Contains(text, alreadySubscribed) {
			return nil, nil
		}
		return nil, &wsclient.ProtocolError{Channel: in.Channel, Message: text}
	case channelL2Book:
		var book L2Book
		if err := json.Unmarshal(in.Data, &book); err != nil {
			return nil, fmt.Errorf("decode l2Book: %w", err)
		}
		if book.Coin == "" {
			return nil, fmt.Errorf("l2Book frame without coin")
		}
		msg := Message{Channel: channelL2Book, Book: book}
		return []wsclient.Dispatch[Message]{{Key: p.DispatchKey(msg), Message: msg}}, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", in.Channel)
	}
}
