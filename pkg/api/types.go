package api

// Wire types for the local REST and websocket API.

type MarketInfo struct {
	ID          string `json:"id"`
	Coin        string `json:"coin"`
	Base        string `json:"base"`
	EscrowCoin  uint64 `json:"escrowCoin,string"`
	EscrowBase  uint64 `json:"escrowBase,string"`
	CoinAddress string `json:"coinAddress"`
	BaseAddress string `json:"baseAddress"`
}

type PriceLevel struct {
	Price  uint64 `json:"price,string"`
	Amount uint64 `json:"amount,string"`
}

type BookResponse struct {
	Market string       `json:"market"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

type TradeInfo struct {
	Market string `json:"market"`
	Side   string `json:"side"`
	Amount uint64 `json:"amount,string"`
	Price  uint64 `json:"price,string"`
	State  string `json:"state"`
	Offer  string `json:"offer"`
}

type ListingRequest struct {
	Market string `json:"market"`
	Side   string `json:"side"`
	Amount uint64 `json:"amount,string"`
	Min    uint64 `json:"min,string"`
	Price  uint64 `json:"price,string"`
}

type OrderRequest struct {
	Market string `json:"market"`
	Side   string `json:"side"`
	Amount uint64 `json:"amount,string"`
	Min    uint64 `json:"min,string"`
	Price  uint64 `json:"price,string"`
}

type CancelRequest struct {
	Market  string `json:"market"`
	Listing string `json:"listing"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// bookUpdate is pushed to websocket subscribers on the refresh cadence.
type bookUpdate struct {
	Type   string       `json:"type"`
	Market string       `json:"market"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}
