// Package symbols parses trading-pair identifiers and resolves them into
// exchange-native form, respecting currency-alias equivalence classes.
package symbols

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/arbi/internal/domain"
)

// ErrInvalidSymbol is returned for identifiers that cannot be tokenized into
// a known base/quote pair.
var ErrInvalidSymbol = errors.New("invalid symbol")

// ErrQuoteNotSupported is returned when an exchange supports neither the
// symbol's quote currency nor any member of its alias class.
var ErrQuoteNotSupported = errors.New("quote currency not supported by exchange")

// Format is the symbol layout an exchange expects.
type Format int

const (
	// FormatConcat renders BTCUSDT.
	FormatConcat Format = iota
	// FormatDash renders BTC-USDT.
	FormatDash
	// FormatUnderscore renders BTC_USDT.
	FormatUnderscore
)

// ExchangeInfo describes how one exchange names pairs.
type ExchangeInfo struct {
	// Quotes are the quote currencies the exchange lists markets in.
	Quotes []string
	Format Format
}

// Resolver tokenizes symbols and maps them between exchanges.
// All registered codes are uppercase.
type Resolver struct {
	bases     []string // sorted longest first
	quoteList []string // sorted longest first
	quotes    map[string]struct{}
	// aliasClass maps a currency code to its equivalence class id; codes in
	// the same class denote one underlying currency.
	aliasClass map[string]string
	// canonical maps a class id to the canonical member.
	canonical map[string]string
	exchanges map[string]ExchangeInfo
}

// defaultBases are common base currencies, matched longest-first so that
// USDT never tokenizes as USD+T.
var defaultBases = []string{
	"BTC", "ETH", "LTC", "USDT", "USDC", "BNB", "ADA", "DOT", "LINK", "XRP",
	"BCH", "EOS", "XLM", "ETC", "TRX", "DOGE", "UNI", "DAI", "AAVE", "SHIB",
	"FTM", "MATIC", "AXS", "MANA", "SAND", "AVAX", "MKR", "GMT", "ATOM",
	"SOL", "NEAR", "TON", "FIL", "APT", "ARB",
}

var defaultQuotes = []string{"USDT", "USDC", "IRT", "IRR", "TMN", "BTC", "ETH"}

// NewResolver builds a resolver with the default currency sets and the
// Iranian toman/rial alias class (IRT, IRR and TMN are one currency; IRT is
// canonical).
func NewResolver() *Resolver {
	r := &Resolver{
		quotes:     make(map[string]struct{}),
		aliasClass: make(map[string]string),
		canonical:  make(map[string]string),
		exchanges:  make(map[string]ExchangeInfo),
	}

	r.bases = append(r.bases, defaultBases...)
	sort.Slice(r.bases, func(i, j int) bool { return len(r.bases[i]) > len(r.bases[j]) })

	for _, q := range defaultQuotes {
		r.addQuote(q)
	}

	r.RegisterAliasClass("IRT", "IRR", "TMN")

	return r
}

func (r *Resolver) addQuote(code string) {
	if _, ok := r.quotes[code]; ok {
		return
	}
	r.quotes[code] = struct{}{}
	r.quoteList = append(r.quoteList, code)
	sort.Slice(r.quoteList, func(i, j int) bool { return len(r.quoteList[i]) > len(r.quoteList[j]) })
}

// RegisterAliasClass declares that the given quote currency codes denote one
// underlying currency. The first code is the canonical member.
func (r *Resolver) RegisterAliasClass(codes ...string) {
	if len(codes) == 0 {
		return
	}
	class := strings.ToUpper(codes[0])
	for _, code := range codes {
		code = strings.ToUpper(code)
		r.aliasClass[code] = class
		r.addQuote(code)
	}
	r.canonical[class] = class
}

// RegisterExchange declares the quote currencies and symbol format of an exchange.
func (r *Resolver) RegisterExchange(name string, info ExchangeInfo) {
	quotes := make([]string, 0, len(info.Quotes))
	for _, q := range info.Quotes {
		quotes = append(quotes, strings.ToUpper(q))
	}
	info.Quotes = quotes
	r.exchanges[name] = info
}

// Parse tokenizes a symbol into its base and quote currency using
// longest-match against the known code sets. Separators and case are
// ignored. Unparseable symbols are reported as an explicit error, never
// guessed.
func (r *Resolver) Parse(symbol string) (domain.Pair, error) {
	clean := cleanSymbol(symbol)
	if clean == "" {
		return domain.Pair{}, errors.Wrap(ErrInvalidSymbol, "empty symbol")
	}

	for _, base := range r.bases {
		if !strings.HasPrefix(clean, base) {
			continue
		}
		quote := clean[len(base):]
		if _, ok := r.quotes[quote]; ok {
			return domain.Pair{Base: base, Quote: quote}, nil
		}
	}

	// fallback: split at a known quote suffix, longer quotes first
	for _, quote := range r.quoteList {
		if !strings.HasSuffix(clean, quote) {
			continue
		}
		base := clean[:len(clean)-len(quote)]
		for _, known := range r.bases {
			if base == known {
				return domain.Pair{Base: base, Quote: quote}, nil
			}
		}
	}

	return domain.Pair{}, errors.Wrapf(ErrInvalidSymbol, "%q", symbol)
}

// Normalize returns the canonical concatenated form of a symbol: separators
// stripped, uppercase, alias-class quotes replaced by the class canonical
// member (IRR/TMN become IRT).
func (r *Resolver) Normalize(symbol string) (string, error) {
	pair, err := r.Parse(symbol)
	if err != nil {
		return "", err
	}
	if class, ok := r.aliasClass[pair.Quote]; ok {
		pair.Quote = r.canonical[class]
	}
	return pair.Symbol(), nil
}

// QuoteCurrencies returns the quote currencies an exchange lists markets in.
func (r *Resolver) QuoteCurrencies(exchangeName string) []string {
	info, ok := r.exchanges[exchangeName]
	if !ok {
		return nil
	}
	out := make([]string, len(info.Quotes))
	copy(out, info.Quotes)
	return out
}

// ResolveForExchange converts a canonical symbol into the exchange-native
// form. The exact quote currency wins; otherwise, when the quote belongs to
// an alias class and the exchange lists a different member of that class,
// that member is substituted. Unrelated quote currencies are never bridged.
func (r *Resolver) ResolveForExchange(symbol, exchangeName string) (string, error) {
	pair, err := r.Parse(symbol)
	if err != nil {
		return "", err
	}

	info, ok := r.exchanges[exchangeName]
	if !ok {
		return "", errors.Errorf("exchange %q is not registered", exchangeName)
	}

	for _, q := range info.Quotes {
		if q == pair.Quote {
			return formatPair(pair, info.Format), nil
		}
	}

	if class, ok := r.aliasClass[pair.Quote]; ok {
		for _, q := range info.Quotes {
			if r.aliasClass[q] == class {
				pair.Quote = q
				return formatPair(pair, info.Format), nil
			}
		}
	}

	return "", errors.Wrapf(ErrQuoteNotSupported, "%s on %s", symbol, exchangeName)
}

// AreCompatible reports whether two symbols denote the same market for
// arbitrage purposes: equal base currency and quote currencies that are
// either equal or members of one alias class.
func (r *Resolver) AreCompatible(symbolA, symbolB string) bool {
	pairA, err := r.Parse(symbolA)
	if err != nil {
		return false
	}
	pairB, err := r.Parse(symbolB)
	if err != nil {
		return false
	}

	if pairA.Base != pairB.Base {
		return false
	}

	return r.quotesCompatible(pairA.Quote, pairB.Quote)
}

func (r *Resolver) quotesCompatible(quoteA, quoteB string) bool {
	if quoteA == quoteB {
		return true
	}
	classA, okA := r.aliasClass[quoteA]
	classB, okB := r.aliasClass[quoteB]
	return okA && okB && classA == classB
}

func cleanSymbol(symbol string) string {
	clean := strings.NewReplacer("-", "", "_", "", "/", "").Replace(symbol)
	return strings.ToUpper(strings.TrimSpace(clean))
}

func formatPair(pair domain.Pair, format Format) string {
	switch format {
	case FormatDash:
		return pair.Base + "-" + pair.Quote
	case FormatUnderscore:
		return pair.Base + "_" + pair.Quote
	default:
		return pair.Symbol()
	}
}
