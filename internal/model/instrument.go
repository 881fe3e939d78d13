package model

// Instrument is a whitelisted tradeable symbol and its exchange token.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Token    string `json:"token"`
	Exchange string `json:"exchange"`
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}
