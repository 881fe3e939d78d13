package instruments

import (
	"fmt"
	"sort"
	"strings"

	"barengine/internal/model"
)

// Exchange is the only venue the registry serves.
const Exchange = "NSE"

// nseEquities is the explicit NSE cash-segment whitelist, symbol to Angel token.
// Order is kept for stable subscription lists.
var nseEquities = [][2]string{
	{"RELIANCE", "2885"},
	{"TCS", "11536"},
	{"HDFCBANK", "1333"},
	{"INFY", "1594"},
	{"ICICIBANK", "4963"},
	{"HINDUNILVR", "1394"},
	{"ITC", "1660"},
	{"SBIN", "3045"},
	{"BHARTIARTL", "10604"},
	{"KOTAKBANK", "1922"},
	{"LT", "11483"},
	{"AXISBANK", "5900"},
	{"BAJFINANCE", "317"},
	{"ASIANPAINT", "236"},
	{"MARUTI", "10999"},
	{"TITAN", "3506"},
	{"SUNPHARMA", "3351"},
	{"NESTLEIND", "17963"},
	{"ULTRACEMCO", "11532"},
	{"HCLTECH", "7229"},
	{"WIPRO", "3787"},
	{"NTPC", "11630"},
	{"POWERGRID", "14977"},
	{"ONGC", "2475"},
	{"ADANIPORTS", "15083"},
	{"TATASTEEL", "3499"},
	{"INDUSINDBK", "5258"},
	{"TECHM", "13538"},
	{"BAJAJFINSV", "16675"},
	{"HDFCLIFE", "467"},
	{"COALINDIA", "20374"},
	{"M&M", "2031"},
	{"DRREDDY", "881"},
	{"GRASIM", "1232"},
	{"CIPLA", "694"},
	{"SBILIFE", "21808"},
	{"JSWSTEEL", "11723"},
	{"DIVISLAB", "10940"},
	{"BRITANNIA", "547"},
	{"EICHERMOT", "910"},
	{"APOLLOHOSP", "157"},
	{"TATACONSUM", "3432"},
	{"UPL", "11287"},
	{"HINDALCO", "1363"},
	{"BAJAJ-AUTO", "16669"},
	{"ADANIENT", "25"},
	{"HEROMOTOCO", "1348"},
	{"LTIM", "17818"},
	{"PIDILITIND", "2664"},
	{"VEDL", "3063"},
	{"BPCL", "526"},
	{"IOC", "1624"},
	{"GODREJCP", "10099"},
	{"DABUR", "772"},
	{"HAVELLS", "9819"},
	{"MARICO", "4067"},
	{"SIEMENS", "3150"},
	{"AMBUJACEM", "1270"},
	{"DLF", "14732"},
	{"GAIL", "4717"},
	{"BERGEPAINT", "404"},
	{"COLPAL", "15141"},
	{"BANDHANBNK", "2263"},
	{"INDIGO", "11195"},
	{"BOSCHLTD", "2181"},
	{"PNB", "10666"},
	{"SAIL", "2963"},
	{"NMDC", "15332"},
	{"DMART", "19913"},
	{"ACC", "22"},
	{"BANKBARODA", "4668"},
	{"CANBK", "10794"},
	{"RECLTD", "15355"},
	{"PFC", "14299"},
	{"IRCTC", "13611"},
	{"MUTHOOTFIN", "23650"},
	{"CHOLAFIN", "685"},
	{"LICHSGFIN", "1997"},
	{"SBICARD", "17971"},
	{"MFSL", "2142"},
	{"ABCAPITAL", "21614"},
	{"ICICIGI", "21770"},
	{"ADANIPOWER", "17388"},
	{"TATAPOWER", "3426"},
	{"TORNTPOWER", "13786"},
	{"JINDALSTEL", "6733"},
	{"TATACOMM", "3721"},
	{"LUPIN", "10440"},
	{"BIOCON", "11373"},
	{"MOTHERSON", "4204"},
	{"SHREECEM", "3103"},
	{"TRENT", "1964"},
	{"PAGEIND", "14413"},
	{"ABB", "13"},
	{"BEL", "383"},
	{"OFSS", "10738"},
	{"BALKRISIND", "335"},
	{"BATAINDIA", "371"},
	{"YESBANK", "11915"},
	{"IDEA", "14366"},
}

// Registry is a read-only symbol <-> token index. It is safe for concurrent use
// once built.
type Registry struct {
	list    []model.Instrument
	bySym   map[string]model.Instrument
	byToken map[string]model.Instrument
}

// Default returns the registry built from the static NSE whitelist.
func Default() *Registry {
	r, err := New(nseEquities)
	if err != nil {
		panic(err)
	}
	return r
}

// New builds a registry from (symbol, token) pairs. Duplicate symbols or
// tokens are rejected.
func New(pairs [][2]string) (*Registry, error) {
	r := &Registry{
		list:    make([]model.Instrument, 0, len(pairs)),
		bySym:   make(map[string]model.Instrument, len(pairs)),
		byToken: make(map[string]model.Instrument, len(pairs)),
	}
	for _, p := range pairs {
		sym, tok := strings.TrimSpace(p[0]), strings.TrimSpace(p[1])
		if sym == "" || tok == "" {
			return nil, fmt.Errorf("instruments: empty symbol or token in %q", p)
		}
		if prev, ok := r.byToken[tok]; ok {
			return nil, fmt.Errorf("instruments: token %s shared by %s and %s", tok, prev.Symbol, sym)
		}
		if _, ok := r.bySym[sym]; ok {
			return nil, fmt.Errorf("instruments: duplicate symbol %s", sym)
		}
		inst := model.Instrument{Symbol: sym, Token: tok, Exchange: Exchange}
		r.list = append(r.list, inst)
		r.bySym[sym] = inst
		r.byToken[tok] = inst
	}
	return r, nil
}

// Token returns the exchange token for symbol.
func (r *Registry) Token(symbol string) (string, bool) {
	inst, ok := r.bySym[symbol]
	return inst.Token, ok
}

// Symbol returns the symbol for an exchange token.
func (r *Registry) Symbol(token string) (string, bool) {
	inst, ok := r.byToken[token]
	return inst.Symbol, ok
}

// Lookup returns the full instrument for symbol.
func (r *Registry) Lookup(symbol string) (model.Instrument, bool) {
	inst, ok := r.bySym[symbol]
	return inst, ok
}

// Symbols returns every whitelisted symbol in registry order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.list))
	for i, inst := range r.list {
		out[i] = inst.Symbol
	}
	return out
}

// Tokens returns every whitelisted token in registry order.
func (r *Registry) Tokens() []string {
	out := make([]string, len(r.list))
	for i, inst := range r.list {
		out[i] = inst.Token
	}
	return out
}

// Len returns the number of instruments.
func (r *Registry) Len() int { return len(r.list) }

// Subset resolves a list of symbols against the registry. Unknown symbols are
// reported together in the error; the known ones are returned in input order.
func (r *Registry) Subset(symbols []string) ([]model.Instrument, error) {
	var (
		out     []model.Instrument
		unknown []string
	)
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		inst, ok := r.bySym[s]
		if !ok {
			unknown = append(unknown, s)
			continue
		}
		out = append(out, inst)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return out, fmt.Errorf("instruments: unknown symbols %s", strings.Join(unknown, ","))
	}
	return out, nil
}
