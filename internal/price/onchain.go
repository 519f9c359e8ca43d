package price

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pvzzle/tipledger/internal/units"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const routerABIJSON = `[{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`

var routerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Caller is satisfied by ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Strategy prices one token through one route.
type Strategy interface {
	Name() string
	Source() Source
	Quote(ctx context.Context, tok Token) (decimal.Decimal, error)
}

// RouterPath quotes one whole token along a fixed swap path via getAmountsOut.
type RouterPath struct {
	caller      Caller
	router      common.Address
	path        []common.Address
	outDecimals uint8
	source      Source
	timeout     time.Duration
}

func NewRouterPath(caller Caller, router common.Address, path []common.Address, outDecimals uint8, timeout time.Duration) *RouterPath {
	src := SourceOnChainDirect
	if len(path) > 2 {
		src = SourceOnChainRouted
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RouterPath{
		caller:      caller,
		router:      router,
		path:        path,
		outDecimals: outDecimals,
		source:      src,
		timeout:     timeout,
	}
}

func (p *RouterPath) Name() string {
	hops := make([]string, len(p.path))
	for i, a := range p.path {
		hops[i] = a.Hex()[:8]
	}
	return string(p.source) + ":" + strings.Join(hops, ">")
}

func (p *RouterPath) Source() Source { return p.source }

func (p *RouterPath) Quote(ctx context.Context, tok Token) (decimal.Decimal, error) {
	data, err := routerABI.Pack("getAmountsOut", units.One(tok.Decimals), p.path)
	if err != nil {
		return decimal.Zero, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.caller.CallContract(cctx, ethereum.CallMsg{To: &p.router, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: getAmountsOut: %w", ErrSourceUnavailable, err)
	}

	res, err := routerABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode amounts: %w", ErrSourceUnavailable, err)
	}
	amounts, ok := res[0].([]*big.Int)
	if !ok || len(amounts) != len(p.path) {
		return decimal.Zero, fmt.Errorf("%w: unexpected amounts %v", ErrSourceUnavailable, res)
	}

	usd := units.FromBaseUnits(amounts[len(amounts)-1], p.outDecimals)
	if usd.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: zero output", ErrSourceUnavailable)
	}
	return usd, nil
}

// OnChain tries each symbol's strategies in order and keeps the first quote.
type OnChain struct {
	strategies map[string][]Strategy
}

func NewOnChain() *OnChain {
	return &OnChain{strategies: make(map[string][]Strategy)}
}

// Add appends strategies for symbol; earlier ones win.
func (o *OnChain) Add(symbol string, s ...Strategy) *OnChain {
	sym := normSymbol(symbol)
	o.strategies[sym] = append(o.strategies[sym], s...)
	return o
}

func (o *OnChain) Has(symbol string) bool {
	if o == nil {
		return false
	}
	return len(o.strategies[normSymbol(symbol)]) > 0
}

func (o *OnChain) Quote(ctx context.Context, tok Token, at time.Time) (Quote, error) {
	var errs []error
	for _, s := range o.strategies[normSymbol(tok.Symbol)] {
		usd, err := s.Quote(ctx, tok)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		return Quote{Symbol: normSymbol(tok.Symbol), USD: usd, Source: s.Source(), FetchedAt: at}, nil
	}
	if len(errs) == 0 {
		return Quote{}, fmt.Errorf("%w: no strategy for %s", ErrSourceUnavailable, tok.Symbol)
	}
	return Quote{}, errors.Join(errs...)
}

// PancakePaths returns the direct token→quote path followed by the route
// through the intermediate reserve asset.
func PancakePaths(caller Caller, router, token, intermediate, quote common.Address, quoteDecimals uint8, timeout time.Duration) []Strategy {
	return []Strategy{
		NewRouterPath(caller, router, []common.Address{token, quote}, quoteDecimals, timeout),
		NewRouterPath(caller, router, []common.Address{token, intermediate, quote}, quoteDecimals, timeout),
	}
}
